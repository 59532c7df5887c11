// Package main generates a synthetic source tree for exercising a
// migration without live cloud credentials: a random mix of files,
// subdirectories, and symlinks written through the filesystem store
// client, the same one cloudmig itself uses for its "fs" backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/gurre/cloudmig/store"
)

func randomString(r *rand.Rand, n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[r.Intn(len(letters))]
	}
	return string(b)
}

func randomNumber(r *rand.Rand, min, max int) int {
	return min + r.Intn(max-min+1)
}

// generateTree populates dir with nFiles regular files spread across a
// handful of subdirectories, plus a couple of symlinks pointing at
// earlier files, so a migration exercises every entrytype.ObjectType.
func generateTree(ctx context.Context, client store.Client, bucket string, r *rand.Rand, nFiles int, minSize, maxSize int) error {
	err := client.MakeBucket(ctx, bucket)
	if err == store.ErrNotSupported {
		err = client.Mkdir(ctx, store.Locator(bucket), store.Attrs{})
	}
	if err != nil && err != store.ErrExist {
		return fmt.Errorf("creating bucket %s: %w", bucket, err)
	}

	nDirs := randomNumber(r, 1, 4)
	dirs := make([]string, 0, nDirs+1)
	dirs = append(dirs, "")
	for i := 0; i < nDirs; i++ {
		name := fmt.Sprintf("dir-%s", randomString(r, 6))
		if err := client.Mkdir(ctx, store.Locator(bucket+"/"+name), store.Attrs{}); err != nil && err != store.ErrExist {
			return fmt.Errorf("creating directory %s: %w", name, err)
		}
		dirs = append(dirs, name)
	}

	var written []string
	for i := 0; i < nFiles; i++ {
		dir := dirs[r.Intn(len(dirs))]
		name := fmt.Sprintf("file-%s-%s.dat", uuid.NewString(), randomString(r, 4))
		rel := name
		if dir != "" {
			rel = dir + "/" + name
		}
		data := []byte(randomString(r, randomNumber(r, minSize, maxSize)))
		if err := client.Fput(ctx, store.Locator(bucket+"/"+rel), data, store.Attrs{}); err != nil {
			return fmt.Errorf("writing %s: %w", rel, err)
		}
		written = append(written, rel)
	}

	nLinks := randomNumber(r, 0, 2)
	for i := 0; i < nLinks && len(written) > 0; i++ {
		target := written[r.Intn(len(written))]
		name := fmt.Sprintf("link-%s", randomString(r, 6))
		if err := client.Symlink(ctx, target, store.Locator(bucket+"/"+name)); err != nil && err != store.ErrExist {
			return fmt.Errorf("creating symlink %s: %w", name, err)
		}
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("cloudmig-fixture", flag.ExitOnError)
	root := fs.String("root", "", "filesystem root to generate the fixture tree under (required)")
	bucket := fs.String("bucket", "source", "bucket/top-level directory name within root")
	nFiles := fs.Int("files", 50, "number of files to generate")
	minSize := fs.Int("min-size", 16, "minimum file size in bytes")
	maxSize := fs.Int("max-size", 4096, "maximum file size in bytes")
	seed := fs.Int64("seed", 1, "random seed, for reproducible fixtures")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}
	if *root == "" {
		return fmt.Errorf("-root is required")
	}

	absRoot, err := filepath.Abs(*root)
	if err != nil {
		return fmt.Errorf("resolving root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return fmt.Errorf("creating root %s: %w", absRoot, err)
	}

	client, err := store.NewFS(absRoot)
	if err != nil {
		return fmt.Errorf("opening filesystem store at %s: %w", absRoot, err)
	}

	r := rand.New(rand.NewSource(*seed))
	ctx := context.Background()
	if err := generateTree(ctx, client, *bucket, r, *nFiles, *minSize, *maxSize); err != nil {
		return fmt.Errorf("generating fixture tree: %w", err)
	}

	fmt.Printf("Generated %d files under %s/%s\n", *nFiles, absRoot, *bucket)
	return nil
}
