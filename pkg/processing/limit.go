package processing

import (
	"errors"
	"fmt"
	"io"
)

// ErrTooLarge is returned when image data exceeds the configured size limit
var ErrTooLarge = errors.New("image exceeds size limit")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, max)
	}
	return data, nil
}
