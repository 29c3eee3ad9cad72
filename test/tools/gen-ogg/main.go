// Command gen-ogg writes synthetic multiplexed Ogg files for exercising the
// demuxer: several logical streams with interleaved pages, packets spanning
// pages, and optional junk between pages.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	flag "github.com/spf13/pflag"

	"github.com/zsiec/oggdemux/internal/ogg"
)

// StreamConfig describes one logical stream in a generated file.
type StreamConfig struct {
	Serial  uint32 `json:"serial"`
	Codec   string `json:"codec"`
	Packets int    `json:"packets"`
	MaxSize int    `json:"maxSize"`
}

// FileConfig describes one generated file.
type FileConfig struct {
	Name    string         `json:"name"`
	Streams []StreamConfig `json:"streams"`
	Junk    bool           `json:"junk"`
}

type Manifest struct {
	Seed  int64        `json:"seed"`
	Files []FileConfig `json:"files"`
}

var files = []FileConfig{
	{
		Name: "vorbis_mono",
		Streams: []StreamConfig{
			{Serial: 0x1001, Codec: "vorbis", Packets: 200, MaxSize: 600},
		},
	},
	{
		Name: "opus_pair",
		Streams: []StreamConfig{
			{Serial: 0x2001, Codec: "opus", Packets: 300, MaxSize: 300},
			{Serial: 0x2002, Codec: "opus", Packets: 300, MaxSize: 300},
		},
	},
	{
		Name: "theora_vorbis_spanning",
		Streams: []StreamConfig{
			{Serial: 0x3001, Codec: "theora", Packets: 80, MaxSize: 20000},
			{Serial: 0x3002, Codec: "vorbis", Packets: 200, MaxSize: 800},
		},
	},
	{
		Name: "flac_damaged",
		Junk: true,
		Streams: []StreamConfig{
			{Serial: 0x4001, Codec: "flac", Packets: 150, MaxSize: 4000},
		},
	},
}

var headers = map[string][]byte{
	"vorbis": []byte("\x01vorbis\x00\x00\x00\x00\x02\x44\xac\x00\x00"),
	"opus":   []byte("OpusHead\x01\x02\x38\x01\x80\xbb\x00\x00\x00\x00\x00"),
	"theora": []byte("\x80theora\x03\x02\x01"),
	"flac":   []byte("\x7fFLAC\x01\x00\x00\x01fLaC"),
	"speex":  []byte("Speex   1.2"),
}

func main() {
	outDir := flag.StringP("out", "o", filepath.Join("test", "streams"), "Output directory")
	seed := flag.Int64("seed", 42, "Random seed")
	compress := flag.String("compress", "", "Also write compressed copies: zstd, lz4 or both")
	flag.Parse()

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		fatal("create output dir: %v", err)
	}

	rng := rand.New(rand.NewSource(*seed))
	fmt.Printf("Generating %d Ogg files in %s\n", len(files), *outDir)

	for _, fc := range files {
		data := generate(rng, fc)
		path := filepath.Join(*outDir, fc.Name+".ogg")
		if err := os.WriteFile(path, data, 0644); err != nil {
			fatal("write %s: %v", path, err)
		}
		fmt.Printf("  %s: %d streams, %d bytes\n", path, len(fc.Streams), len(data))

		if *compress == "zstd" || *compress == "both" {
			writeCompressed(path+".zst", data, newZstd)
		}
		if *compress == "lz4" || *compress == "both" {
			writeCompressed(path+".lz4", data, newLZ4)
		}
	}

	m := Manifest{Seed: *seed, Files: files}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		fatal("marshal manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(*outDir, "manifest.json"), b, 0644); err != nil {
		fatal("write manifest: %v", err)
	}
}

func newZstd(w io.Writer) (io.WriteCloser, error) { return zstd.NewWriter(w) }

func newLZ4(w io.Writer) (io.WriteCloser, error) { return lz4.NewWriter(w), nil }

func writeCompressed(path string, data []byte, wrap func(io.Writer) (io.WriteCloser, error)) {
	f, err := os.Create(path)
	if err != nil {
		fatal("create %s: %v", path, err)
	}
	defer f.Close()
	zw, err := wrap(f)
	if err != nil {
		fatal("encoder for %s: %v", path, err)
	}
	if _, err := zw.Write(data); err != nil {
		fatal("write %s: %v", path, err)
	}
	if err := zw.Close(); err != nil {
		fatal("close %s: %v", path, err)
	}
	fmt.Printf("  %s\n", path)
}

// pager accumulates the packets of one logical stream into pages.
type pager struct {
	serial  uint32
	seq     uint32
	granule int64
	lacing  []byte
	body    []byte
	ended   int
	cont    bool
	started bool
}

// add appends a packet, emitting full pages through emit.
func (pg *pager) add(pkt []byte, last bool, emit func([]byte)) {
	for {
		room := 255 - len(pg.lacing)
		if room == 0 {
			pg.flush(false, emit)
			continue
		}
		need := len(pkt)/255 + 1
		if need <= room {
			for n := len(pkt); ; n -= 255 {
				if n < 255 {
					pg.lacing = append(pg.lacing, byte(n))
					break
				}
				pg.lacing = append(pg.lacing, 255)
			}
			pg.body = append(pg.body, pkt...)
			pg.granule += 960
			pg.ended++
			if last {
				pg.flush(true, emit)
			}
			return
		}
		// Fill the page with 255-byte segments and carry the rest over.
		take := room * 255
		for i := 0; i < room; i++ {
			pg.lacing = append(pg.lacing, 255)
		}
		pg.body = append(pg.body, pkt[:take]...)
		pkt = pkt[take:]
		pg.flushOpen(emit)
	}
}

func (pg *pager) flushOpen(emit func([]byte)) {
	h := pg.header(false)
	if pg.ended == 0 {
		h.GranulePosition = -1
	}
	emit(ogg.AppendPage(nil, &h, pg.body))
	pg.reset(true)
}

func (pg *pager) flush(eos bool, emit func([]byte)) {
	if len(pg.lacing) == 0 {
		return
	}
	h := pg.header(eos)
	emit(ogg.AppendPage(nil, &h, pg.body))
	pg.reset(false)
}

func (pg *pager) header(eos bool) ogg.PageHeader {
	h := ogg.PageHeader{
		Serial:          pg.serial,
		Sequence:        pg.seq,
		GranulePosition: pg.granule,
		Lacing:          pg.lacing,
	}
	if !pg.started {
		h.Flags |= ogg.FlagBOS
	}
	if pg.cont {
		h.Flags |= ogg.FlagContinued
	}
	if eos {
		h.Flags |= ogg.FlagEOS
	}
	return h
}

func (pg *pager) reset(cont bool) {
	pg.seq++
	pg.started = true
	pg.cont = cont
	pg.lacing = nil
	pg.body = nil
	pg.ended = 0
}

// generate builds a file by round-robin interleaving the streams' pages.
// Every stream's first page holds only its identification header.
func generate(rng *rand.Rand, fc FileConfig) []byte {
	var out []byte
	emit := func(page []byte) {
		out = append(out, page...)
		if fc.Junk && rng.Intn(10) == 0 {
			junk := make([]byte, 1+rng.Intn(64))
			rng.Read(junk)
			out = append(out, junk...)
		}
	}

	pagers := make([]*pager, len(fc.Streams))
	for i, sc := range fc.Streams {
		pagers[i] = &pager{serial: sc.Serial}
		pagers[i].add(headers[sc.Codec], false, emit)
		pagers[i].flush(false, emit)
	}

	remaining := make([]int, len(fc.Streams))
	for i, sc := range fc.Streams {
		remaining[i] = sc.Packets
	}
	for active := len(fc.Streams); active > 0; {
		active = 0
		for i, sc := range fc.Streams {
			if remaining[i] == 0 {
				continue
			}
			remaining[i]--
			last := remaining[i] == 0
			pkt := make([]byte, 1+rng.Intn(sc.MaxSize))
			rng.Read(pkt)
			pagers[i].add(pkt, last, emit)
			if !last && len(pagers[i].body) > 4000 {
				pagers[i].flush(false, emit)
			}
			if !last {
				active++
			}
		}
	}
	return out
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
