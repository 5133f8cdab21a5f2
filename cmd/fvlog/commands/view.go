package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/nerrad567/fvgateway/internal/buslog"
)

// RunView prints every event matching filter, one per line.
func RunView(path string, filter buslog.Filter, w io.Writer) error {
	reader, err := buslog.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		fmt.Fprintln(w, event.String())
	}
}
