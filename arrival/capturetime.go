package arrival

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
)

// layouts DATE-OBS is seen written in
var dateObsLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
	"2006-01-02",
}

// CaptureTime returns when the image at path was taken, as best as can be told
// from the file.  FITS files carry it in the DATE-OBS card.  Everything else
// falls back to the modification time, which copying off a memory card keeps
// and birth time does not.
func CaptureTime(path string) (time.Time, error) {
	if strings.EqualFold(filepath.Ext(path), ".fits") {
		if t, ok := fitsDateObs(path); ok {
			return t, nil
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

func fitsDateObs(path string) (time.Time, bool) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, false
	}
	defer f.Close()
	fits, err := fitsio.Open(f)
	if err != nil {
		return time.Time{}, false
	}
	defer fits.Close()
	card := fits.HDU(0).Header().Get("DATE-OBS")
	if card == nil {
		return time.Time{}, false
	}
	s, ok := card.Value.(string)
	if !ok {
		return time.Time{}, false
	}
	s = strings.TrimSpace(s)
	for _, layout := range dateObsLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
