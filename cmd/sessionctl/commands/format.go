package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/overlaymesh/sessiond/internal/session"
)

const (
	formatJSON = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

func formatHandles(handles []uint32, format string) (string, error) {
	switch format {
	case formatJSON:
		b, err := json.MarshalIndent(handles, "", " ")
		if err != nil {
			return "", fmt.Errorf("marshal handles: %w", err)
		}
		return string(b) + "\n", nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "HANDLE")
		for _, h := range handles {
			fmt.Fprintf(w, "%d\n", h)
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush table: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatSession(snap session.HandleSnapshot, format string) (string, error) {
	switch format {
	case formatJSON:
		b, err := json.MarshalIndent(snap, "", " ")
		if err != nil {
			return "", fmt.Errorf("marshal session: %w", err)
		}
		return string(b) + "\n", nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Handle:\t%d\n", snap.Handle)
		fmt.Fprintf(w, "Address:\t%s\n", snap.Address)
		fmt.Fprintf(w, "State:\t%s\n", snap.State)
		fmt.Fprintf(w, "Send handle:\t%d\n", snap.SendHandle)
		fmt.Fprintf(w, "Metric:\t%d\n", snap.Metric)
		fmt.Fprintf(w, "Version:\t%d\n", snap.Version)
		fmt.Fprintf(w, "Bytes in / out:\t%d / %d\n", snap.BytesIn, snap.BytesOut)
		fmt.Fprintf(w, "Duplicates:\t%d\n", snap.Duplicates)
		fmt.Fprintf(w, "Lost packets:\t%d\n", snap.LostPackets)
		fmt.Fprintf(w, "Received out of range:\t%d\n", snap.ReceivedOutOfRange)
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush table: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}
