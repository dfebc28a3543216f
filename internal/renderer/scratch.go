package renderer

import (
	"errors"
	"io/fs"
	"os"

	"github.com/rs/xid"

	u "mermaid2img/internal/utils"
)

// scratch is a pair of temporary files owned by one render call.
type scratch struct {
	id     string
	input  string
	output string
}

// newScratch reserves uniquely named input and output files in dir (the OS
// temp dir when empty). On error nothing is left behind.
func newScratch(dir string, f Format) (*scratch, error) {
	s := &scratch{id: xid.New().String()}

	in, err := os.CreateTemp(dir, "mermaid-"+s.id+"-*.mmd")
	if err != nil {
		return nil, err
	}
	s.input = in.Name()
	if err := in.Close(); err != nil {
		s.release()
		return nil, err
	}

	out, err := os.CreateTemp(dir, "mermaid-"+s.id+"-*."+string(f))
	if err != nil {
		s.release()
		return nil, err
	}
	s.output = out.Name()
	if err := out.Close(); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

func (s *scratch) writeSource(src string) error {
	return os.WriteFile(s.input, []byte(src), 0o600)
}

// release deletes both files. Failures are logged and otherwise ignored.
func (s *scratch) release() {
	for _, p := range []string{s.input, s.output} {
		if p == "" {
			continue
		}
		err := os.Remove(p)
		switch {
		case err == nil:
			u.Debug("Deleted scratch file", "path", p, "scratch_id", s.id)
		case !errors.Is(err, fs.ErrNotExist):
			u.Warn("Failed to delete scratch file", "path", p, "scratch_id", s.id, "error", err)
		}
	}
}
