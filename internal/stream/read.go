package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
)

// Read consumes newline-delimited agent output from r, calling fn with each
// raw line and the events it decoded to. Lines that fail to decode are
// logged and skipped. Read returns nil at EOF and the read error otherwise;
// a read error ends the stream.
//
// Lines are read without a length limit: tool results that embed whole
// files produce lines far larger than a bufio.Scanner default.
func Read(r io.Reader, logger *slog.Logger, fn func(line []byte, events []Event)) error {
	if logger == nil {
		logger = slog.Default()
	}
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			events, parseErr := ParseLine(trimmed)
			if parseErr != nil {
				logger.Warn("skipping unparseable stream line", "error", parseErr, "bytes", len(trimmed))
			} else {
				fn(trimmed, events)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
