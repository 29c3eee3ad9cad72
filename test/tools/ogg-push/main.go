// Command ogg-push publishes an Ogg file to an SRT listener in a loop,
// paced to a target bitrate, for exercising oggdemux --srt-listen.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	srt "github.com/zsiec/srtgo"
)

const chunkSize = 1316

func main() {
	keyFlag := flag.StringP("key", "k", "", "Stream key (default: filename without extension)")
	addrFlag := flag.StringP("addr", "a", "127.0.0.1:6000", "SRT server address")
	rateFlag := flag.Int("rate", 0, "Bytes per second (default: file size over --duration)")
	durationFlag := flag.Float64("duration", 60, "Seconds one pass over the file should take")
	onceFlag := flag.Bool("once", false, "Send the file once and exit instead of looping")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: ogg-push [flags] <file.ogg>\n")
		flag.PrintDefaults()
		os.Exit(1)
	}
	path := flag.Arg(0)

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read file: %v\n", err)
		os.Exit(1)
	}

	key := *keyFlag
	if key == "" {
		key = streamKey(path)
	}
	rate := selectRate(*rateFlag, len(data), *durationFlag)
	fmt.Printf("File: %s (%d bytes, %.0f bytes/sec)\n", path, len(data), rate)

	for {
		fmt.Printf("[%s] Connecting to SRT %s...\n", key, *addrFlag)
		cfg := srt.DefaultConfig()
		cfg.StreamID = "live/" + key

		conn, err := srt.Dial(*addrFlag, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] SRT connect failed: %v, retrying...\n", key, err)
			time.Sleep(time.Second)
			continue
		}

		fmt.Printf("[%s] Connected\n", key)
		err = streamLoop(conn, data, rate, key, *onceFlag)
		conn.Close()
		if err == nil {
			return
		}
		fmt.Fprintf(os.Stderr, "[%s] Connection lost: %v, reconnecting...\n", key, err)
		time.Sleep(time.Second)
	}
}

// streamKey derives a key from a file name, keeping a compression
// extension so the receiver can detect it.
func streamKey(path string) string {
	base := filepath.Base(path)
	for _, ext := range []string{".zst", ".zstd", ".lz4"} {
		if strings.HasSuffix(base, ext) {
			stem := strings.TrimSuffix(base, ext)
			return strings.TrimSuffix(stem, filepath.Ext(stem)) + ext
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// selectRate picks the send rate in bytes per second.
func selectRate(override, size int, duration float64) float64 {
	if override > 0 {
		return float64(override)
	}
	if duration <= 0 {
		duration = 60
	}
	rate := float64(size) / duration
	if rate < chunkSize {
		rate = chunkSize
	}
	return rate
}

func streamLoop(conn *srt.Conn, data []byte, bytesPerSec float64, key string, once bool) error {
	start := time.Now()
	var sent int64
	for loop := 1; ; loop++ {
		for i := 0; i < len(data); i += chunkSize {
			end := min(i+chunkSize, len(data))
			if _, err := conn.Write(data[i:end]); err != nil {
				return err
			}
			sent += int64(end - i)

			// Pace against the global clock so there is no burst at the
			// loop seam.
			expected := float64(sent) / bytesPerSec
			if elapsed := time.Since(start).Seconds(); expected > elapsed {
				time.Sleep(time.Duration((expected - elapsed) * float64(time.Second)))
			}
		}
		fmt.Printf("[%s] Loop %d complete (total sent: %.1f MB)\n", key, loop, float64(sent)/(1024*1024))
		if once {
			return nil
		}
	}
}
