package store

import "context"

// FileHash returns the content hash recorded for an imported file.
// Returns empty string and nil error if the file was never imported.
func (s *Store) FileHash(ctx context.Context, path string) (string, error) {
	var hash string
	err := s.db.GetContext(ctx, &hash, s.q(`SELECT hash FROM imported_files WHERE path = ?`), path)
	if notFound(err) {
		return "", nil
	}
	return hash, err
}

// SetFileHash upserts the content hash of an imported file.
func (s *Store) SetFileHash(ctx context.Context, path, hash string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO imported_files (path, hash) VALUES (?, ?)
		 ON CONFLICT (path) DO UPDATE SET hash = excluded.hash`),
		path, hash,
	)
	return err
}
