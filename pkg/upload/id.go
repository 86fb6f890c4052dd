package upload

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Upload IDs are self-describing: "<32 hex chars>_<totalParts>". Encoding the
// part count in the ID keeps the session directory the only other state a
// process needs to resume, verify or garbage-collect an upload.

// maxParts bounds totalParts to keep merge loops and part listings sane.
const maxParts = 100000

// newUploadID mints an upload ID carrying the total part count.
func newUploadID(totalParts int) string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("%s_%d", raw, totalParts)
}

// parseUploadID extracts the total part count from an upload ID.
func parseUploadID(uploadID string) (totalParts int, err error) {
	i := strings.LastIndexByte(uploadID, '_')
	if i <= 0 || i == len(uploadID)-1 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedUploadID, uploadID)
	}
	n, err := strconv.Atoi(uploadID[i+1:])
	if err != nil || n < 1 || n > maxParts {
		return 0, fmt.Errorf("%w: %q", ErrMalformedUploadID, uploadID)
	}
	if len(uploadID[:i]) != 32 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedUploadID, uploadID)
	}
	return n, nil
}
