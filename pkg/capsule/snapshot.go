package capsule

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/willibrandon/chronodump/pkg/record"
)

// snapshotSources reads every file the chain ran through, once each.
func snapshotSources(s *record.StackRecord) map[string]string {
	files := make(map[string]string)
	for _, name := range filenames(s) {
		data, err := os.ReadFile(name)
		if err != nil {
			log.Debugf("capsule: no source for %s: %v", name, err)
			files[name] = fmt.Sprintf("Couldn't locate '%s' during dump.", name)
			continue
		}
		files[name] = string(data)
	}
	return files
}

// filenames lists the files of every frame reachable from s, including
// callers that are not chain links, in the order they are first met.
func filenames(s *record.StackRecord) []string {
	var out []string
	seenFile := make(map[string]bool)
	seenFrame := make(map[*record.FrameRecord]bool)
	for _, l := range s.Links() {
		for f := l.Frame; f != nil && !seenFrame[f]; f = f.Back {
			seenFrame[f] = true
			if f.Code == nil || f.Code.Filename == "" || seenFile[f.Code.Filename] {
				continue
			}
			seenFile[f.Code.Filename] = true
			out = append(out, f.Code.Filename)
		}
	}
	return out
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}
