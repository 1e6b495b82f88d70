package core

import (
	"strconv"
	"strings"

	"github.com/cwt-line/kanban-agent/internal/logging"
)

// DefaultReaderFilter matches the ACR122U family by PC/SC reader name.
const DefaultReaderFilter = "acr122"

// Reader represents a PC/SC reader as shown to front ends.
type Reader struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Preferred bool   `json:"preferred"` // Whether the name matches the configured filter
}

// DiscoverReaders lists the readers attached to the system in PC/SC order.
// Returns ErrNoReaderFound when the list is empty.
func DiscoverReaders(factory ContextFactory) ([]string, error) {
	ctx, err := factory.EstablishContext()
	if err != nil {
		return nil, transportError("establish context", err)
	}
	defer ctx.Release()

	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, transportError("list readers", err)
	}
	if len(readers) == 0 {
		return nil, &Error{
			Kind:  KindNoReaderFound,
			Block: -1,
			Msg:   "no RFID readers found, please connect the ACR122U reader",
		}
	}
	return readers, nil
}

// SelectReader picks the first candidate whose name contains filter
// (case-insensitive). When nothing matches, the first candidate is returned
// with degraded set so the caller can warn and carry on.
func SelectReader(candidates []string, filter string) (reader string, degraded bool, err error) {
	if len(candidates) == 0 {
		return "", false, ErrNoReaderFound
	}
	needle := strings.ToLower(filter)
	for _, name := range candidates {
		if strings.Contains(strings.ToLower(name), needle) {
			return name, false, nil
		}
	}
	logging.Warn(logging.CatReader, "No reader matches filter, falling back to first reader", map[string]any{
		"filter": filter,
		"reader": candidates[0],
	})
	return candidates[0], true, nil
}

// ListReaders returns all readers for display. Errors yield an empty list.
func ListReaders(factory ContextFactory, filter string) []Reader {
	names, err := DiscoverReaders(factory)
	if err != nil {
		logging.Debug(logging.CatReader, "Reader listing failed", map[string]any{
			"error": err.Error(),
		})
		return []Reader{}
	}
	needle := strings.ToLower(filter)
	readers := make([]Reader, 0, len(names))
	for i, name := range names {
		readers = append(readers, Reader{
			ID:        readerID(i),
			Name:      name,
			Preferred: needle != "" && strings.Contains(strings.ToLower(name), needle),
		})
	}
	return readers
}

func readerID(index int) string {
	return "reader-" + strconv.Itoa(index)
}
