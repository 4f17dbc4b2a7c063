// Package logdata loads a probe log file into memory, transparently
// decompressing zstd-framed files, and parses its body in parallel chunks.
//
// The on-disk format requires: a Start header line, a Metadata line, zero
// or more timing/key-value lines, and a closing TEnd line. Any violation
// surfaces as one of the sentinel errors below with the offending
// path/line number attached.
package logdata

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"evobench-jobs/internal/logmsg"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
)

// MaxFileSize bounds how large a single log file this loader will accept;
// parsing is in-memory only, so the bound caps peak memory rather than
// silently streaming.
const MaxFileSize = 300_000_000

// chunkTargetBytes is the approximate size of each parallel parse unit.
const chunkTargetBytes = 20 * 1024 * 1024

var (
	ErrMalformedHeader = errors.New("logdata: malformed header")
	ErrMissingMetadata = errors.New("logdata: missing metadata line")
	ErrTruncated       = errors.New("logdata: file truncated (missing TEnd)")
)

// LineError attaches 1-based line context to a decode error from one chunk.
type LineError struct {
	Path string
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
}
func (e *LineError) Unwrap() error { return e.Err }

// Chunk is one contiguous, newline-delimited run of decoded messages,
// corresponding to one unit of parallel parsing. Chunks are produced and
// consumed in file order.
type Chunk struct {
	Messages []logmsg.Message
}

// LogData is the parsed result of one probe log file.
type LogData struct {
	Path               string
	EvobenchLogVersion uint32
	EvobenchVersion    string
	Metadata           logmsg.Metadata
	Chunks             []Chunk
}

// Messages returns a flat, file-order view over all data messages (i.e.
// everything after the Start/Metadata header).
func (d *LogData) Messages() []logmsg.Message {
	total := 0
	for _, c := range d.Chunks {
		total += len(c.Messages)
	}
	out := make([]logmsg.Message, 0, total)
	for _, c := range d.Chunks {
		out = append(out, c.Messages...)
	}
	return out
}

// isCompressed reports whether path is zstd-framed, detected purely by the
// ".zstd" suffix.
func isCompressed(path string) bool {
	return strings.HasSuffix(path, ".zstd")
}

// innerExtension validates the extension preceding ".zstd" (or the sole
// extension for an uncompressed file) matches expectedExt (default ".log").
func innerExtension(path string, expectedExt string) error {
	base := path
	if isCompressed(base) {
		base = strings.TrimSuffix(base, ".zstd")
	}
	if base == "" {
		return nil
	}
	ext := filepath.Ext(base)
	if ext == "" {
		if isCompressed(path) {
			// bare "name.zstd", no inner extension: accepted.
			return nil
		}
		return fmt.Errorf("%w: %s has no extension", ErrMalformedHeader, path)
	}
	if ext != expectedExt {
		return fmt.Errorf("%w: %s has unexpected inner extension %q (want %q)", ErrMalformedHeader, path, ext, expectedExt)
	}
	return nil
}

// Options configures Load.
type Options struct {
	// ExpectedExtension is the non-zstd extension a log file must carry,
	// e.g. ".log". Defaults to ".log".
	ExpectedExtension string
	// Workers bounds the number of goroutines used to parse chunks in
	// parallel. Defaults to runtime.GOMAXPROCS(0).
	Workers int
}

// Load reads, optionally decompresses, and parses path into a LogData.
func Load(path string, opts Options) (*LogData, error) {
	if opts.ExpectedExtension == "" {
		opts.ExpectedExtension = ".log"
	}
	if err := innerExtension(path, opts.ExpectedExtension); err != nil {
		return nil, err
	}

	raw, err := readAll(path)
	if err != nil {
		return nil, fmt.Errorf("logdata: reading %s: %w", path, err)
	}

	return parse(path, raw, opts)
}

func readAll(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !isCompressed(path) && info.Size() > MaxFileSize {
		return nil, fmt.Errorf("file exceeds maximum accepted size %d bytes", MaxFileSize)
	}

	var r io.Reader = f
	if isCompressed(path) {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	limited := io.LimitReader(r, MaxFileSize+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(buf) > MaxFileSize {
		return nil, fmt.Errorf("decompressed content exceeds maximum accepted size %d bytes", MaxFileSize)
	}
	return buf, nil
}

// parse splits buf into newline-bounded chunks, decodes the mandatory
// Start/Metadata header synchronously, then farms the remainder out to a
// worker pool, one goroutine per chunk, collecting results in chunk order.
func parse(path string, buf []byte, opts Options) (*LogData, error) {
	firstNL := bytes.IndexByte(buf, '\n')
	if firstNL < 0 {
		return nil, fmt.Errorf("%w: %s has no complete first line", ErrMalformedHeader, path)
	}
	startMsg, err := logmsg.Decode(buf[:firstNL])
	if err != nil {
		return nil, &LineError{Path: path, Line: 1, Err: fmt.Errorf("%w: %v", ErrMalformedHeader, err)}
	}
	if startMsg.Kind != logmsg.KindStart {
		return nil, fmt.Errorf("%w: %s: first line is not a Start message", ErrMalformedHeader, path)
	}

	rest := buf[firstNL+1:]
	secondNL := bytes.IndexByte(rest, '\n')
	if secondNL < 0 {
		return nil, fmt.Errorf("%w: %s has no second line", ErrMissingMetadata, path)
	}
	metaMsg, err := logmsg.Decode(rest[:secondNL])
	if err != nil {
		return nil, &LineError{Path: path, Line: 2, Err: fmt.Errorf("%w: %v", ErrMissingMetadata, err)}
	}
	if metaMsg.Kind != logmsg.KindMetadata {
		return nil, fmt.Errorf("%w: %s: second line is not a Metadata message", ErrMissingMetadata, path)
	}

	body := rest[secondNL+1:]
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: %s has no data lines", ErrTruncated, path)
	}

	byteRanges := splitIntoChunks(body, chunkTargetBytes)

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	chunks := make([]Chunk, len(byteRanges))
	lineOffsets := make([]int, len(byteRanges))
	{
		lineNo := 2
		for i, br := range byteRanges {
			lineOffsets[i] = lineNo
			lineNo += countLines(body[br.start:br.end])
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for i, br := range byteRanges {
		i, br := i, br
		g.Go(func() error {
			msgs, err := parseChunk(body[br.start:br.end])
			if err != nil {
				var le *LineError
				if errors.As(err, &le) {
					le.Path = path
					le.Line += lineOffsets[i]
				}
				return err
			}
			chunks[i] = Chunk{Messages: msgs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	last, ok := lastMessage(chunks)
	if !ok || last.Kind != logmsg.KindTEnd {
		return nil, fmt.Errorf("%w: %s does not end with TEnd", ErrTruncated, path)
	}

	return &LogData{
		Path:               path,
		EvobenchLogVersion: startMsg.StartVersion,
		EvobenchVersion:    startMsg.StartProbeVersion,
		Metadata:           metaMsg.Metadata,
		Chunks:             chunks,
	}, nil
}

func lastMessage(chunks []Chunk) (logmsg.Message, bool) {
	for i := len(chunks) - 1; i >= 0; i-- {
		if n := len(chunks[i].Messages); n > 0 {
			return chunks[i].Messages[n-1], true
		}
	}
	return logmsg.Message{}, false
}

type byteRange struct{ start, end int }

// splitIntoChunks cuts data into pieces of approximately target bytes,
// always breaking at the newline immediately before the target boundary so
// no line is ever split across chunks.
func splitIntoChunks(data []byte, target int) []byteRange {
	if len(data) == 0 {
		return nil
	}
	var ranges []byteRange
	start := 0
	for start < len(data) {
		end := start + target
		if end >= len(data) {
			ranges = append(ranges, byteRange{start, len(data)})
			break
		}
		nl := bytes.LastIndexByte(data[start:end], '\n')
		if nl < 0 {
			// target too small for even one line; extend to the next
			// newline past the boundary instead of splitting a line.
			nlAfter := bytes.IndexByte(data[end:], '\n')
			if nlAfter < 0 {
				ranges = append(ranges, byteRange{start, len(data)})
				break
			}
			end = end + nlAfter + 1
		} else {
			end = start + nl + 1
		}
		ranges = append(ranges, byteRange{start, end})
		start = end
	}
	return ranges
}

func countLines(data []byte) int {
	return bytes.Count(data, []byte{'\n'})
}

func parseChunk(data []byte) ([]logmsg.Message, error) {
	var out []logmsg.Message
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		msg, err := logmsg.Decode(line)
		if err != nil {
			return nil, &LineError{Line: lineNo, Err: err}
		}
		out = append(out, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, &LineError{Line: lineNo, Err: err}
	}
	return out, nil
}
