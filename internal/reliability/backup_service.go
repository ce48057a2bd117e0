// Package reliability holds the operational safety nets: consistent
// database snapshots shipped to an S3-compatible bucket, with checksum
// manifests and keep-last-N pruning.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// archiveTimeLayout names archives sortably, e.g.
// walletd-backup-2026-01-08-143022.tar.gz.
const archiveTimeLayout = "2006-01-02-150405"

// minArchivesKept is never pruned below, whatever the configured keep.
const minArchivesKept = 3

// BackupTarget is a database the service can snapshot. *database.DB
// satisfies it.
type BackupTarget interface {
	Name() string
	BackupTo(path string) error
}

// ObjectStore is the bucket surface the service needs. *S3Client
// satisfies it.
type ObjectStore interface {
	Upload(ctx context.Context, name string, body io.Reader) error
	List(ctx context.Context, namePrefix string) ([]StoredObject, error)
	Delete(ctx context.Context, name string) error
}

// BackupService snapshots every target database, bundles the copies
// with a checksum manifest into one tar.gz and uploads it.
type BackupService struct {
	store   ObjectStore
	service string
	targets []BackupTarget
	dataDir string
	keep    int
	log     zerolog.Logger
}

// NewBackupService creates a backup service for one binary's databases.
// The service name prefixes archive names so both binaries can share a
// bucket.
func NewBackupService(
	store ObjectStore,
	service string,
	targets []BackupTarget,
	dataDir string,
	keep int,
	log zerolog.Logger,
) *BackupService {
	return &BackupService{
		store:   store,
		service: service,
		targets: targets,
		dataDir: dataDir,
		keep:    keep,
		log:     log.With().Str("service", "backup").Logger(),
	}
}

// Manifest describes one archive's contents.
type Manifest struct {
	CreatedAt time.Time      `json:"created_at"`
	Service   string         `json:"service"`
	Databases []DatabaseFile `json:"databases"`
}

// DatabaseFile is one database copy inside an archive.
type DatabaseFile struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// ArchiveInfo is one uploaded archive.
type ArchiveInfo struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

const manifestFilename = "manifest.json"

// Run snapshots all targets, uploads the archive and prunes old ones.
// Snapshots use VACUUM INTO so the databases stay live throughout.
func (s *BackupService) Run(ctx context.Context) error {
	started := time.Now()

	staging, err := os.MkdirTemp(s.dataDir, "backup-staging-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	manifest := Manifest{
		CreatedAt: time.Now().UTC(),
		Service:   s.service,
		Databases: make([]DatabaseFile, 0, len(s.targets)),
	}
	files := make([]string, 0, len(s.targets)+1)

	for _, target := range s.targets {
		filename := target.Name() + ".db"
		path := filepath.Join(staging, filename)

		if err := target.BackupTo(path); err != nil {
			return fmt.Errorf("failed to snapshot %s: %w", target.Name(), err)
		}

		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to stat %s snapshot: %w", target.Name(), err)
		}
		checksum, err := fileChecksum(path)
		if err != nil {
			return fmt.Errorf("failed to checksum %s snapshot: %w", target.Name(), err)
		}

		manifest.Databases = append(manifest.Databases, DatabaseFile{
			Name:      target.Name(),
			Filename:  filename,
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
		files = append(files, filename)
	}

	if err := writeManifest(filepath.Join(staging, manifestFilename), manifest); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	files = append(files, manifestFilename)

	archiveName := fmt.Sprintf("%s-backup-%s.tar.gz",
		s.service, manifest.CreatedAt.Format(archiveTimeLayout))
	archivePath := filepath.Join(staging, archiveName)
	if err := buildArchive(archivePath, staging, files); err != nil {
		return fmt.Errorf("failed to build archive: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	info, err := archive.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}

	if err := s.store.Upload(ctx, archiveName, archive); err != nil {
		return err
	}

	s.log.Info().
		Str("archive", archiveName).
		Int64("size_bytes", info.Size()).
		Int("databases", len(manifest.Databases)).
		Dur("duration", time.Since(started)).
		Msg("Backup uploaded")

	return s.Prune(ctx)
}

// ListArchives returns this service's uploaded archives, newest first.
// Objects whose name does not carry a parseable timestamp are ignored.
func (s *BackupService) ListArchives(ctx context.Context) ([]ArchiveInfo, error) {
	prefix := s.service + "-backup-"
	objects, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}

	archives := make([]ArchiveInfo, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, prefix) || !strings.HasSuffix(obj.Key, ".tar.gz") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(obj.Key, prefix), ".tar.gz")
		ts, err := time.Parse(archiveTimeLayout, stamp)
		if err != nil {
			s.log.Warn().Str("object", obj.Key).Msg("Archive name carries no timestamp, skipping")
			continue
		}
		archives = append(archives, ArchiveInfo{
			Name:      obj.Key,
			Timestamp: ts,
			SizeBytes: obj.SizeBytes,
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].Timestamp.After(archives[j].Timestamp)
	})
	return archives, nil
}

// Prune deletes archives beyond the configured keep count, never going
// below minArchivesKept. A failed delete is logged and skipped; the
// next run retries it.
func (s *BackupService) Prune(ctx context.Context) error {
	archives, err := s.ListArchives(ctx)
	if err != nil {
		return err
	}

	keep := s.keep
	if keep < minArchivesKept {
		keep = minArchivesKept
	}
	if len(archives) <= keep {
		return nil
	}

	deleted := 0
	for _, archive := range archives[keep:] {
		if err := s.store.Delete(ctx, archive.Name); err != nil {
			s.log.Warn().Err(err).Str("archive", archive.Name).Msg("Failed to delete old archive")
			continue
		}
		deleted++
	}

	s.log.Info().
		Int("deleted", deleted).
		Int("kept", len(archives)-deleted).
		Msg("Backup rotation completed")
	return nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeManifest(path string, manifest Manifest) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(manifest)
}

func buildArchive(archivePath, sourceDir string, filenames []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, filename := range filenames {
		if err := addFileToArchive(tw, filepath.Join(sourceDir, filename), filename); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filename, err)
		}
	}
	return nil
}

func addFileToArchive(tw *tar.Writer, path, nameInArchive string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
