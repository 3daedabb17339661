package journal

import (
	"bufio"
	"bytes"
	"fmt"
	"os"

	"github.com/CloudNativeWorks/otad/pkg/logger"
)

const (
	readBlockSize     = 8192
	maxLineBufferSize = 1024 * 1024
	maxIterations     = 1000
)

// readLastLines returns up to n trailing lines of path, reading backwards
// block by block.
func readLastLines(path string, n int, log *logger.Logger) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	fi, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	var (
		offset        = fi.Size()
		lineBuffer    []byte
		lines         []string
		lastLineCount int
	)

	for iteration := 0; offset > 0 && len(lines) < n; iteration++ {
		if iteration >= maxIterations {
			log.Warnf("Exceeded %d read iterations on %s", maxIterations, path)
			break
		}

		current, err := file.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to re-stat file: %w", err)
		}
		if current.Size() != fi.Size() {
			log.WithFields(logger.Fields{
				"path": path,
				"was":  fi.Size(),
				"now":  current.Size(),
			}).Warn("Log file changed during read, probably rotated")
			break
		}

		blockSize := int64(readBlockSize)
		if offset < blockSize {
			blockSize = offset
		}
		offset -= blockSize

		buf := make([]byte, blockSize)
		if _, err := file.ReadAt(buf, offset); err != nil {
			return nil, fmt.Errorf("read error: %w", err)
		}
		lineBuffer = append(buf, lineBuffer...)

		if len(lineBuffer) > maxLineBufferSize {
			log.Warnf("Line buffer for %s exceeded %d bytes", path, maxLineBufferSize)
			break
		}

		scanner := bufio.NewScanner(bytes.NewReader(lineBuffer))
		scanner.Buffer(make([]byte, 0, 256*1024), 256*1024)

		var tmp []string
		for scanner.Scan() {
			tmp = append(tmp, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			log.WithError(err).Warnf("Failed to scan %s", path)
			break
		}

		// a single very long line yields nothing new per block
		if len(tmp) == lastLineCount && offset > 0 && len(lineBuffer) > readBlockSize*2 {
			break
		}
		lastLineCount = len(tmp)

		// the first line may be cut mid-way until the start of the file is read
		complete := tmp
		if offset > 0 && len(complete) > 0 {
			complete = complete[1:]
		}
		if len(complete) >= n {
			lines = complete[len(complete)-n:]
			break
		}
		lines = complete
	}

	return lines, nil
}
