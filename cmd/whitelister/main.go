// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The whitelister command builds a hash whitelist from a firmware image,
// image file or directory tree.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/whitelister"
	"github.com/google/whitelister/digest"
	wlfs "github.com/google/whitelister/fs"
	"github.com/google/whitelister/image"
	"github.com/google/whitelister/image/bootimg"
	"github.com/google/whitelister/image/ext4img"
	"github.com/google/whitelister/image/sparse"
	"github.com/google/whitelister/log"
	"github.com/google/whitelister/store"
	"github.com/google/whitelister/unpack"
)

// Config represents the CLI configuration.
type Config struct {
	Source   string
	SourceID string
	Threat   store.ThreatLevel
	Trust    store.TrustLevel
	Output   string
	Format   string
	Replace  bool
	Debug    bool
}

func parseFlags() (*Config, error) {
	cfg := &Config{}
	var threat, trust string
	flag.StringVar(&cfg.SourceID, "id", "unknown", "Source identifier to be stored with the hashes")
	flag.StringVar(&threat, "threat", "good", "Threat level of these files (good, evil)")
	flag.StringVar(&trust, "trust", "high", "Trust level of these files (low, medium, high)")
	flag.StringVar(&cfg.Output, "o", "hashes.db", "The output database. If existing, the data is added.")
	flag.StringVar(&cfg.Format, "format", "bolt", "The output format (bolt, sqlite)")
	flag.BoolVar(&cfg.Replace, "replace", true, "Replace records whose hashes are already present")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <image file or dir>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		return nil, fmt.Errorf("expected exactly one source path, got %d", flag.NArg())
	}
	cfg.Source = flag.Arg(0)

	var err error
	if cfg.Threat, err = store.ParseThreat(threat); err != nil {
		return nil, err
	}
	if cfg.Trust, err = store.ParseTrust(trust); err != nil {
		return nil, err
	}
	if cfg.Format != "bolt" && cfg.Format != "sqlite" {
		return nil, fmt.Errorf("unknown output format %q, want bolt or sqlite", cfg.Format)
	}
	return cfg, nil
}

func openStore(cfg *Config) (store.Store, error) {
	if cfg.Format == "sqlite" {
		return store.OpenSQLite(cfg.Output)
	}
	return store.OpenBolt(cfg.Output)
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}
	log.SetLogger(&log.DefaultLogger{Verbose: cfg.Debug})
	if err := run(context.Background(), cfg); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config) error {
	source, err := filepath.Abs(cfg.Source)
	if err != nil {
		return fmt.Errorf("resolving source path: %w", err)
	}
	// A missing source is fatal, not a warning: scanning a nonexistent
	// path would silently produce an empty whitelist.
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("source path: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Errorf("Closing store: %v", err)
		}
	}()

	log.Infof("New source: %s...", source)
	var checksum []byte
	if info.Mode().IsRegular() {
		if checksum, err = sourceChecksum(source); err != nil {
			return err
		}
		seen, err := st.GetSource(checksum)
		if err != nil {
			return err
		}
		if seen != nil {
			log.Infof("Source already processed on %s as %q, skipping", seen.Processed.Format(time.RFC3339), seen.SourceID)
			return nil
		}
	}

	rootPath, cleanup, err := resolveRoot(ctx, source, info)
	if err != nil {
		return err
	}
	defer cleanup()

	scanner := whitelister.New()
	res, err := scanner.Scan(ctx, &whitelister.ScanConfig{
		Root:     wlfs.RealFSScanRoot(rootPath),
		Store:    st,
		SourceID: cfg.SourceID,
		Threat:   cfg.Threat,
		Trust:    cfg.Trust,
		Replace:  cfg.Replace,
	})
	if err != nil {
		return err
	}

	if checksum != nil {
		err := st.PutSource(checksum, store.SourceInfo{
			Processed: time.Now(),
			SourceID:  cfg.SourceID,
			Locator:   source,
		})
		if err != nil {
			return err
		}
	}

	fmt.Printf("%d files hashed, %d skipped\n", res.FilesHashed, res.FilesSkipped)
	fmt.Printf("%d records processed, %d duplicates, %d replaced\n",
		res.Counts.Processed, res.Counts.Duplicates, res.Counts.Added)
	return nil
}

// resolveRoot turns the source into a scannable directory tree. Directory
// sources are scanned in place; image files are unsparsed, unpacked,
// extracted or mounted as their format requires. The returned cleanup
// removes scratch state on every exit path.
func resolveRoot(ctx context.Context, source string, info os.FileInfo) (string, func(), error) {
	noop := func() {}
	if info.IsDir() {
		log.Infof("Assuming %s is the root of a file tree", source)
		return source, noop, nil
	}
	if !info.Mode().IsRegular() {
		return "", noop, fmt.Errorf("source %s is neither a directory nor a regular file", source)
	}

	tempDir, err := os.MkdirTemp("", "whitelister-")
	if err != nil {
		return "", noop, fmt.Errorf("creating temp dir: %w", err)
	}
	removeTemp := func() {
		if err := os.RemoveAll(tempDir); err != nil {
			log.Warnf("Removing temp dir %s: %v", tempDir, err)
		} else {
			log.Infof("Temp dir %s deleted", tempDir)
		}
	}

	kind := image.Detect(source)
	if kind == image.SparseExt4 {
		log.Info("Smells like a sparse ext4 image")
		dense := filepath.Join(tempDir, "unsparsed."+filepath.Base(source))
		if err := unsparseTo(source, dense); err != nil {
			removeTemp()
			return "", noop, err
		}
		source = dense
		kind = image.Detect(source)
	}

	switch kind {
	case image.BootImage:
		log.Info("Smells like a boot image")
		root, err := unpackBootImage(ctx, source, tempDir)
		if err != nil {
			removeTemp()
			return "", noop, err
		}
		return root, removeTemp, nil
	case image.Yaffs2:
		log.Info("Smells like a yaffs2 image")
		root, err := unpack.Yaffs(ctx, source, tempDir)
		if err != nil {
			removeTemp()
			return "", noop, err
		}
		return root, removeTemp, nil
	case image.Ext4:
		log.Info("Smells like an ext4 image")
		root := filepath.Join(tempDir, "ext4_extracted")
		if err := ext4img.Extract(source, root); err != nil {
			removeTemp()
			return "", noop, err
		}
		return root, removeTemp, nil
	default:
		describeUnknown(source)
		log.Info("Doesn't smell familiar, trying to mount")
		root, err := unpack.Mount(ctx, source, tempDir)
		if err != nil {
			removeTemp()
			return "", noop, err
		}
		return root, func() {
			if err := unpack.Unmount(ctx, root); err != nil {
				log.Errorf("Unmounting %s: %v", root, err)
			}
			removeTemp()
		}, nil
	}
}

func unpackBootImage(ctx context.Context, source, tempDir string) (string, error) {
	f, err := os.Open(source)
	if err != nil {
		return "", fmt.Errorf("opening boot image: %w", err)
	}
	defer f.Close()
	ramdisk, err := bootimg.ExtractRamdisk(f)
	if err != nil {
		return "", err
	}
	return unpack.Ramdisk(ctx, ramdisk, tempDir)
}

func unsparseTo(source, dense string) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("opening sparse image: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dense)
	if err != nil {
		return fmt.Errorf("creating dense image: %w", err)
	}
	defer out.Close()
	if err := sparse.Unsparse(in, out); err != nil {
		return err
	}
	return out.Sync()
}

func describeUnknown(source string) {
	f, err := os.Open(source)
	if err != nil {
		return
	}
	defer f.Close()
	for _, desc := range image.Describe(f) {
		log.Debugf("libmagic says: %s", desc)
	}
}

// sourceChecksum keys the sources side-channel by the file's sha256.
func sourceChecksum(source string) ([]byte, error) {
	f, err := os.Open(source)
	if err != nil {
		return nil, fmt.Errorf("hashing source: %w", err)
	}
	defer f.Close()
	set, err := digest.FromReader(f)
	if err != nil {
		return nil, fmt.Errorf("hashing source: %w", err)
	}
	return set.SHA256, nil
}
