package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/CaskDB/cask/pkg/cache"
	"github.com/CaskDB/cask/pkg/common/log"
	"github.com/CaskDB/cask/pkg/container"
	"github.com/CaskDB/cask/pkg/extent"
	"github.com/CaskDB/cask/pkg/stats"
	"github.com/CaskDB/cask/pkg/transform"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".open"),
	readline.PcItem(".create"),
	readline.PcItem(".close"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem("INFO"),
	readline.PcItem("EXTENTS"),
	readline.PcItem("LEN"),
	readline.PcItem("READ"),
	readline.PcItem("WRITE"),
	readline.PcItem("APPEND"),
	readline.PcItem("TRUNCATE"),
	readline.PcItem("HEX"),
)

const helpText = `
cask - a block-oriented container inspector.

Usage:
  cask [options] [container_path]

Options:
  -block N              - Logical block size (default 16384)
  -transform SPEC       - Transformer chain, comma separated:
                          identity, crc64, xxh64, lz4, snappy, zstd,
                          chacha:PASSPHRASE, aesctr:PASSPHRASE
  -cache N              - Read-through cache capacity in blocks (0 = off)
  -readonly             - Open containers read-only
  -e COMMAND            - Run one command and exit
  -v                    - Verbose logging

Commands (interactive mode):
  .help                 - Show this help message
  .open PATH            - Open a container at PATH
  .create PATH          - Create a fresh container at PATH
  .close                - Close the current container
  .exit                 - Exit the program
  .stats                - Show container statistics

  INFO                  - Show length, block size, and block count
  EXTENTS               - List the extent map
  LEN                   - Show the logical length
  READ off len          - Read len bytes at off (printed as hex)
  WRITE off HEX         - Write hex-encoded bytes at off
  APPEND HEX            - Append hex-encoded bytes at the end
  TRUNCATE n            - Set the logical length to n
  HEX off len           - Hexdump len bytes at off
`

// session holds the currently open container.
type session struct {
	opts     []container.Option
	readonly bool

	path   string
	stream *container.Stream
	ro     *container.ReadOnlyStream
	file   *os.File
}

func main() {
	blockSize := flag.Int("block", container.DefaultBlockSize, "logical block size")
	transformSpec := flag.String("transform", "identity", "transformer chain")
	cacheBlocks := flag.Int("cache", 0, "read cache capacity in blocks")
	readonly := flag.Bool("readonly", false, "open containers read-only")
	oneShot := flag.String("e", "", "run one command and exit")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	transformer, err := parseTransformSpec(*transformSpec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	level := log.LevelWarn
	if *verbose {
		level = log.LevelDebug
	}
	logger := log.NewStandardLogger(log.WithLevel(level))
	collector := stats.NewAtomicCollector()

	opts := []container.Option{
		container.WithBlockSize(*blockSize),
		container.WithTransformer(transformer),
		container.WithLogger(logger),
		container.WithStats(collector),
	}
	if *cacheBlocks > 0 {
		opts = append(opts, container.WithCache(cache.NewLRU(*cacheBlocks)))
	}

	sess := &session{opts: opts, readonly: *readonly}
	defer sess.close()

	if flag.NArg() > 0 {
		if err := sess.open(flag.Arg(0), false); err != nil {
			fmt.Fprintf(os.Stderr, "Error opening container: %s\n", err)
			os.Exit(1)
		}
		fmt.Printf("Opened %s\n", sess.path)
	}

	if *oneShot != "" {
		if err := sess.dispatch(*oneShot); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
		return
	}

	runInteractive(sess)
}

// parseTransformSpec builds a transformer from a comma-separated chain
// description.
func parseTransformSpec(spec string) (transform.Transformer, error) {
	parts := strings.Split(spec, ",")
	stages := make([]transform.Transformer, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		name, arg, _ := strings.Cut(part, ":")
		switch name {
		case "", "identity":
			stages = append(stages, transform.NewIdentity())
		case "crc64":
			stages = append(stages, transform.NewCRC64Checksum())
		case "xxh64":
			stages = append(stages, transform.NewXXH64Checksum())
		case "lz4":
			stages = append(stages, transform.NewLZ4())
		case "snappy":
			stages = append(stages, transform.NewSnappy())
		case "zstd":
			z, err := transform.NewZstd()
			if err != nil {
				return nil, err
			}
			stages = append(stages, z)
		case "chacha":
			if arg == "" {
				return nil, fmt.Errorf("chacha needs a passphrase: chacha:PASSPHRASE")
			}
			e, err := transform.NewChaCha20Poly1305(arg)
			if err != nil {
				return nil, err
			}
			stages = append(stages, e)
		case "aesctr":
			if arg == "" {
				return nil, fmt.Errorf("aesctr needs a passphrase: aesctr:PASSPHRASE")
			}
			e, err := transform.NewAESCTRHMAC(arg)
			if err != nil {
				return nil, err
			}
			stages = append(stages, e)
		default:
			return nil, fmt.Errorf("unknown transformer %q", name)
		}
	}

	if len(stages) == 1 {
		return stages[0], nil
	}
	return transform.NewChain(stages...), nil
}

// runInteractive runs the readline command loop.
func runInteractive(sess *session) {
	fmt.Println("cask interactive shell. Type .help for help.")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "cask> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".cask_history"),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       ".exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		if sess.path != "" {
			rl.SetPrompt(fmt.Sprintf("cask:%s> ", sess.path))
		} else {
			rl.SetPrompt("cask> ")
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == ".exit" {
			break
		}

		if err := sess.dispatch(line); err != nil {
			fmt.Printf("Error: %s\n", err)
		}
	}
}

// dispatch parses and executes one command line.
func (s *session) dispatch(line string) error {
	fields := strings.Fields(line)
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	switch {
	case fields[0] == ".help":
		fmt.Print(helpText)
		return nil
	case fields[0] == ".open":
		if len(args) != 1 {
			return fmt.Errorf("usage: .open PATH")
		}
		if err := s.open(args[0], false); err != nil {
			return err
		}
		fmt.Printf("Opened %s\n", s.path)
		return nil
	case fields[0] == ".create":
		if len(args) != 1 {
			return fmt.Errorf("usage: .create PATH")
		}
		if err := s.open(args[0], true); err != nil {
			return err
		}
		fmt.Printf("Created %s\n", s.path)
		return nil
	case fields[0] == ".close":
		return s.close()
	case fields[0] == ".stats":
		return s.printStats()
	}

	switch cmd {
	case "INFO":
		return s.info()
	case "EXTENTS":
		return s.printExtents()
	case "LEN":
		st, err := s.anyStream()
		if err != nil {
			return err
		}
		fmt.Printf("%d\n", st.length())
		return nil
	case "READ", "HEX":
		if len(args) != 2 {
			return fmt.Errorf("usage: %s off len", cmd)
		}
		off, err1 := strconv.ParseInt(args[0], 10, 64)
		n, err2 := strconv.ParseInt(args[1], 10, 64)
		if err1 != nil || err2 != nil || n < 0 {
			return fmt.Errorf("invalid offset or length")
		}
		return s.read(off, int(n), cmd == "HEX")
	case "WRITE":
		if len(args) != 2 {
			return fmt.Errorf("usage: WRITE off HEX")
		}
		off, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid offset: %w", err)
		}
		data, err := hex.DecodeString(args[1])
		if err != nil {
			return fmt.Errorf("invalid hex payload: %w", err)
		}
		return s.write(off, data)
	case "APPEND":
		if len(args) != 1 {
			return fmt.Errorf("usage: APPEND HEX")
		}
		data, err := hex.DecodeString(args[0])
		if err != nil {
			return fmt.Errorf("invalid hex payload: %w", err)
		}
		st, err := s.writableStream()
		if err != nil {
			return err
		}
		if _, err := st.Seek(0, io.SeekEnd); err != nil {
			return err
		}
		if _, err := st.Write(data); err != nil {
			return err
		}
		return st.Flush(false)
	case "TRUNCATE":
		if len(args) != 1 {
			return fmt.Errorf("usage: TRUNCATE n")
		}
		n, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid length: %w", err)
		}
		st, err := s.writableStream()
		if err != nil {
			return err
		}
		return st.SetLength(n)
	default:
		return fmt.Errorf("unknown command %q, type .help for help", fields[0])
	}
}

// open opens (or creates) a container file.
func (s *session) open(path string, create bool) error {
	if err := s.close(); err != nil {
		return err
	}

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_TRUNC
	}
	if s.readonly {
		flags = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}

	if s.readonly {
		ro, err := container.OpenReadOnly(f, s.opts...)
		if err != nil {
			f.Close()
			return err
		}
		s.ro = ro
	} else {
		st, err := container.Open(f, s.opts...)
		if err != nil {
			f.Close()
			return err
		}
		s.stream = st
	}
	s.path = path
	s.file = f
	return nil
}

// close closes the current container, if any.
func (s *session) close() error {
	var err error
	if s.stream != nil {
		err = s.stream.Close()
		s.stream = nil
	}
	if s.ro != nil {
		err = s.ro.Close()
		s.ro = nil
	}
	s.path = ""
	s.file = nil
	return err
}

// streamView unifies the two open modes for read-side commands.
type streamView struct {
	length  func() int64
	blocks  func() int64
	bsize   func() int
	seek    func(int64) error
	read    func([]byte) (int, error)
	extents func() string
	stats   func() map[string]interface{}
}

func (s *session) anyStream() (*streamView, error) {
	switch {
	case s.stream != nil:
		st := s.stream
		return &streamView{
			length: st.Len,
			blocks: st.BlockCount,
			bsize:  st.BlockSize,
			seek: func(off int64) error {
				_, err := st.Seek(off, io.SeekStart)
				return err
			},
			read:    st.Read,
			extents: func() string { return formatExtents(st.Extents()) },
			stats:   st.Stats,
		}, nil
	case s.ro != nil:
		ro := s.ro
		return &streamView{
			length: ro.Len,
			blocks: ro.BlockCount,
			bsize:  ro.BlockSize,
			seek: func(off int64) error {
				_, err := ro.Seek(off, io.SeekStart)
				return err
			},
			read:    ro.Read,
			extents: func() string { return formatExtents(ro.Extents()) },
			stats:   ro.Stats,
		}, nil
	default:
		return nil, fmt.Errorf("no container open, use .open or .create")
	}
}

func (s *session) writableStream() (*container.Stream, error) {
	if s.stream == nil {
		if s.ro != nil {
			return nil, fmt.Errorf("container is open read-only")
		}
		return nil, fmt.Errorf("no container open, use .open or .create")
	}
	return s.stream, nil
}

func formatExtents(extents []extent.Extent) string {
	var sb strings.Builder
	for i, e := range extents {
		fmt.Fprintf(&sb, "%6d  offset=%-10d length=%d\n", i, e.Offset, e.Length)
	}
	return sb.String()
}

func (s *session) info() error {
	st, err := s.anyStream()
	if err != nil {
		return err
	}
	fmt.Printf("path:        %s\n", s.path)
	fmt.Printf("length:      %d\n", st.length())
	fmt.Printf("block size:  %d\n", st.bsize())
	fmt.Printf("block count: %d\n", st.blocks())
	return nil
}

func (s *session) printExtents() error {
	st, err := s.anyStream()
	if err != nil {
		return err
	}
	out := st.extents()
	if out == "" {
		fmt.Println("(no extents)")
		return nil
	}
	fmt.Print(out)
	return nil
}

func (s *session) printStats() error {
	st, err := s.anyStream()
	if err != nil {
		return err
	}
	m := st.stats()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-24s %v\n", k, m[k])
	}
	return nil
}

func (s *session) read(off int64, n int, dump bool) error {
	st, err := s.anyStream()
	if err != nil {
		return err
	}
	if err := st.seek(off); err != nil {
		return err
	}

	buf := make([]byte, n)
	got, err := st.read(buf)
	if err != nil && err != io.EOF {
		return err
	}
	buf = buf[:got]

	if dump {
		fmt.Print(hex.Dump(buf))
	} else {
		fmt.Printf("%x\n", buf)
	}
	if got < n {
		fmt.Printf("(short read: %d of %d bytes)\n", got, n)
	}
	return nil
}

func (s *session) write(off int64, data []byte) error {
	st, err := s.writableStream()
	if err != nil {
		return err
	}
	if _, err := st.Seek(off, io.SeekStart); err != nil {
		return err
	}
	if _, err := st.Write(data); err != nil {
		return err
	}
	return st.Flush(false)
}
