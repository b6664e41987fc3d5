package status

import (
	"errors"
	"fmt"

	"github.com/spf13/afero"
)

// ErrFeedUnreadable is returned when the status file cannot be read at all.
var ErrFeedUnreadable = errors.New("status feed unreadable")

// ReadFeed returns the whole content of the status file at path.
func ReadFeed(fs afero.Fs, path string) (string, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFeedUnreadable, err)
	}
	return string(b), nil
}
