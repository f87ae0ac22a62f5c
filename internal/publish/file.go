package publish

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/catalogops/enrich-cli/internal/model"
)

// FileDispatcher appends enriched records to a local JSONL file. Used
// by CLI runs with no catalog endpoint configured.
type FileDispatcher struct {
	mu   sync.Mutex
	path string
}

// NewFileDispatcher creates a dispatcher writing to path.
func NewFileDispatcher(path string) *FileDispatcher {
	return &FileDispatcher{path: path}
}

func (d *FileDispatcher) Dispatch(_ context.Context, skuID string, record json.RawMessage) (model.Receipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return model.Receipt{}, eris.Wrapf(err, "publish: open %s", d.path)
	}
	defer f.Close()

	line := append(append([]byte(nil), record...), '\n')
	if _, err := f.Write(line); err != nil {
		return model.Receipt{}, eris.Wrapf(err, "publish: write record for %s", skuID)
	}

	return model.Receipt{
		Destination:    "file://" + d.path,
		DispatchStatus: model.DispatchSuccess,
		AttemptCount:   1,
	}, nil
}
