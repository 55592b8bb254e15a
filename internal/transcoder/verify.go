package transcoder

import (
	"bytes"
	"fmt"
	"os"
)

// VerifyOutput checks the produced file is non-empty and starts with the
// expected container signature. Empty files are removed, matching how the
// original application discarded zero-byte downloads.
func VerifyOutput(path, format string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("output missing: %w", err)
	}
	if info.Size() == 0 {
		os.Remove(path)
		return fmt.Errorf("output file is empty")
	}

	header := make([]byte, 12)
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open output: %w", err)
	}
	n, _ := file.Read(header)
	file.Close()
	header = header[:n]

	switch format {
	case "mp4":
		// ISO BMFF: size box then "ftyp".
		if len(header) < 8 || !bytes.Equal(header[4:8], []byte("ftyp")) {
			return fmt.Errorf("output is not an mp4 container")
		}
	case "mp3":
		// ID3 tag or a bare MPEG frame sync.
		if !bytes.HasPrefix(header, []byte("ID3")) &&
			!(len(header) >= 2 && header[0] == 0xFF && header[1]&0xE0 == 0xE0) {
			return fmt.Errorf("output is not an mp3 stream")
		}
	}
	return nil
}
