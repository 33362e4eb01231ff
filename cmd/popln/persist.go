package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/nvandessel/popln/internal/blob"
	"github.com/nvandessel/popln/internal/config"
	"github.com/nvandessel/popln/internal/pathutil"
	"github.com/nvandessel/popln/internal/snapshot"
)

// archiveExt is appended to a label to form an archive key.
const archiveExt = ".popln"

// persister writes snapshots to whichever of the database and the archive
// store are configured.
type persister struct {
	db    *snapshot.Store
	blobs blob.Store
	log   *slog.Logger
}

func openPersister(ctx context.Context, st config.StorageConfig, log *slog.Logger) (*persister, error) {
	p := &persister{log: log}
	if st.DBPath != "" {
		db, err := snapshot.OpenStore(ctx, st.DBPath)
		if err != nil {
			return nil, err
		}
		p.db = db
		log.Debug("snapshot database opened", "path", pathutil.Redact(st.DBPath))
	}
	if st.ArchiveURI != "" {
		bs, err := blob.Open(ctx, st.ArchiveURI, blob.Options{Region: st.S3Region, Endpoint: st.S3Endpoint})
		if err != nil {
			p.close()
			return nil, fmt.Errorf("failed to open archive store: %w", err)
		}
		p.blobs = bs
		log.Debug("archive store opened", "driver", bs.Driver())
	}
	return p, nil
}

func (p *persister) enabled() bool {
	return p.db != nil || p.blobs != nil
}

func (p *persister) save(ctx context.Context, label string, st *snapshot.State) error {
	if p.db != nil {
		if err := p.db.Save(ctx, label, st); err != nil {
			return fmt.Errorf("failed to save snapshot %s: %w", label, err)
		}
		p.log.Info("snapshot saved", "label", label, "cycle", st.Cycle, "clones", len(st.Clones))
	}
	if p.blobs != nil {
		var buf bytes.Buffer
		if _, err := snapshot.WriteArchive(&buf, st, map[string]string{"label": label}); err != nil {
			return err
		}
		key := label + archiveExt
		if err := p.blobs.Put(ctx, key, &buf); err != nil {
			return fmt.Errorf("failed to store archive %s: %w", key, err)
		}
		p.log.Info("archive stored", "key", key, "driver", p.blobs.Driver(), "cycle", st.Cycle)
	}
	return nil
}

func (p *persister) close() {
	if p.db != nil {
		p.db.Close()
	}
}

// openArchive opens ref as a local file if one exists, otherwise as a key
// in the configured archive store.
func openArchive(ctx context.Context, st config.StorageConfig, ref string) (io.ReadCloser, error) {
	f, err := os.Open(ref)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, fs.ErrNotExist) || st.ArchiveURI == "" {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	bs, err := blob.Open(ctx, st.ArchiveURI, blob.Options{Region: st.S3Region, Endpoint: st.S3Endpoint})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive store: %w", err)
	}
	rc, err := bs.Get(ctx, ref)
	if errors.Is(err, blob.ErrNotFound) {
		rc, err = bs.Get(ctx, ref+archiveExt)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", ref, err)
	}
	return rc, nil
}

// loadState reads a snapshot from the database when dbPath is set,
// otherwise from an archive.
func loadState(ctx context.Context, st config.StorageConfig, dbPath, ref string) (*snapshot.State, error) {
	if dbPath != "" {
		db, err := snapshot.OpenStore(ctx, dbPath)
		if err != nil {
			return nil, err
		}
		defer db.Close()
		return db.Load(ctx, ref)
	}
	rc, err := openArchive(ctx, st, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	_, state, err := snapshot.ReadArchive(rc)
	return state, err
}
