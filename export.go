package pvscope

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sbinet/npyio"
)

// makeDirectory creates directory of the form basepath/20060102/0000 where
// the 4-digit subdirectory counts separate snapshot occasions.
// It also returns the formatting code for use in an Sprintf call
// basepath/20060102/0000/20060102_run0000_%s.%s and an error, if any.
func makeDirectory(basepath string, now time.Time) (string, error) {
	if len(basepath) == 0 {
		return "", fmt.Errorf("BasePath is the empty string")
	}
	today := now.Format("20060102")
	todayDir := fmt.Sprintf("%s/%s", basepath, today)
	if err := os.MkdirAll(todayDir, 0755); err != nil {
		return "", err
	}
	for i := 0; i < 10000; i++ {
		thisDir := fmt.Sprintf("%s/%4.4d", todayDir, i)
		_, err := os.Stat(thisDir)
		if os.IsNotExist(err) {
			if err2 := os.MkdirAll(thisDir, 0755); err2 != nil {
				return "", err2
			}
			return fmt.Sprintf("%s/%s_run%4.4d_%%s.%%s", thisDir, today, i), nil
		}
	}
	return "", fmt.Errorf("out of 4-digit ID numbers for today in %s", todayDir)
}

func writeNpy(filename string, data []float64) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := npyio.Write(f, data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// fileLabel makes a field name safe for use in a file name.
func fileLabel(name string) string {
	return strings.NewReplacer(".", "_", "/", "_", ":", "_", " ", "_").Replace(name)
}

// SaveSnapshot writes the most recent frame as .npy files in a new numbered directory under
// basepath: one file of x and one of y values per curve, or the image raster. It returns the
// names of the files written.
func (s *Scope) SaveSnapshot(basepath string) ([]string, error) {
	frame := s.LastFrame()
	if frame == nil {
		return nil, fmt.Errorf("no frame has been drawn yet")
	}
	pattern, err := makeDirectory(basepath, frame.Time)
	if err != nil {
		return nil, err
	}
	var files []string
	write := func(label string, data []float64) error {
		name := fmt.Sprintf(pattern, label, "npy")
		if err := writeNpy(name, data); err != nil {
			return err
		}
		files = append(files, name)
		return nil
	}
	for _, c := range frame.Curves {
		label := fileLabel(c.Name)
		if err := write(label+"_x", c.X); err != nil {
			return files, err
		}
		if err := write(label+"_y", c.Y); err != nil {
			return files, err
		}
	}
	if frame.Image != nil {
		if err := write(fmt.Sprintf("image_%dx%dx%d", frame.Image.Y, frame.Image.X, frame.Image.Z), frame.Image.Data); err != nil {
			return files, err
		}
	}
	UpdateLogger.Printf("run %s frame %d saved to %d files like %s", frame.RunID, frame.Seq, len(files), pattern)
	return files, nil
}
