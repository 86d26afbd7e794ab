// Package blabber implements a single-writer transactional object store
// backing a small microblogging service. Posts live in a B-tree indexed by
// their ID, long strings in a blob heap, and comments in per-post linked
// lists. All state is rooted in the master block at block 0 and every public
// operation runs as one atomic transaction.
package blabber

import (
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/outofforest/photon"
	"github.com/pkg/errors"

	"github.com/outofforest/blabber/alloc"
	"github.com/outofforest/blabber/blocks"
	"github.com/outofforest/blabber/engine"
	"github.com/outofforest/blabber/journal"
	"github.com/outofforest/blabber/persistence"
	"github.com/outofforest/blabber/pkg/filedev"
)

// A checkpoint is automatically executed when the journal has grown to more
// than this many bytes.
const journalCheckpointThreshold = 1 << 20

// Option configures the database.
type Option func(*options)

type options struct {
	syncOnCommit bool
}

// WithSyncOnCommit controls whether commit syncs the journal to disk. Turning
// it off trades durability of the latest transactions for speed.
func WithSyncOnCommit(sync bool) Option {
	return func(o *options) {
		o.syncOnCommit = sync
	}
}

// Database is the top level interface exposed to clients. All public methods
// run in the context of a transaction and are therefore atomic. The handle
// must not be copied.
type Database struct {
	mu sync.Mutex

	databasePath string
	journalPath  string

	open        bool
	databaseDev *filedev.FileDev
	journalDev  *filedev.FileDev
	engine      *engine.Engine
}

// Open opens the database at path, creating it if it does not exist. The
// journal is kept next to the database at path + "-journal"; committed but
// uncheckpointed records left over from a crash are replayed before the
// database is presented.
func Open(path string, cacheBlocks uint32, opts ...Option) (*Database, error) {
	o := options{
		syncOnCommit: true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	db := &Database{
		databasePath: path,
		journalPath:  path + "-journal",
	}

	var err error
	if db.databaseDev, err = filedev.Open(path); err != nil {
		return nil, err
	}
	if db.journalDev, err = filedev.Open(db.journalPath); err != nil {
		_ = db.databaseDev.Close()
		return nil, err
	}

	if err := db.openEngine(o, cacheBlocks); err != nil {
		_ = db.databaseDev.Close()
		_ = db.journalDev.Close()
		return nil, err
	}

	db.open = true
	return db, nil
}

func (db *Database) openEngine(o options, cacheBlocks uint32) error {
	store := persistence.NewStore(db.databaseDev)

	if store.Size() == 0 {
		databaseID := uuid.New()
		jrnl, err := journal.Create(db.journalDev, databaseID, o.syncOnCommit)
		if err != nil {
			return err
		}
		if db.engine, err = engine.Open(store, jrnl, cacheBlocks); err != nil {
			return err
		}
		return db.initMasterBlock(databaseID)
	}

	var jrnl *journal.Journal
	var err error
	if databaseID, ok := readDatabaseID(store); ok {
		jrnl, err = journal.Open(db.journalDev, databaseID, &databaseID, o.syncOnCommit)
	} else {
		jrnl, err = journal.Open(db.journalDev, uuid.Nil, nil, o.syncOnCommit)
	}
	if err != nil {
		return err
	}
	if db.engine, err = engine.Open(store, jrnl, cacheBlocks); err != nil {
		return err
	}
	return db.checkMasterBlock()
}

// readDatabaseID reads the database ID directly from the master block, before
// any recovery has run. It reports false if the master block is not readable
// yet; recovery may still produce a valid one.
func readDatabaseID(store *persistence.Store) (uuid.UUID, bool) {
	buf := make([]byte, blocks.BlockSize)
	if err := store.ReadBlock(0, buf); err != nil {
		return uuid.Nil, false
	}
	master := photon.NewFromBytes[masterBlock](buf)
	if master.V.Header.Magic != fileMagic || master.V.Header.Version != FormatVersion {
		return uuid.Nil, false
	}
	return master.V.DatabaseID, true
}

// initMasterBlock initializes a virgin database file: the file grows to one
// block holding the master block, and an immediate checkpoint makes the file
// self-sufficient.
func (db *Database) initMasterBlock(databaseID uuid.UUID) error {
	if err := db.engine.Begin(); err != nil {
		return err
	}

	err := func() error {
		if err := db.engine.Grow(1); err != nil {
			return err
		}
		handle, err := db.engine.Overwrite(0)
		if err != nil {
			return err
		}
		defer handle.Release()

		master := photon.NewFromBytes[masterBlock](handle.Bytes())
		master.V.Header.Magic = fileMagic
		master.V.Header.Version = FormatVersion
		master.V.DatabaseID = databaseID
		master.V.Store.NextPostID = 1
		master.V.Checksum = master.V.ComputeChecksum()
		return nil
	}()
	if err != nil {
		_ = db.engine.Rollback()
		return err
	}

	if err := db.engine.Commit(); err != nil {
		return err
	}
	return db.engine.Checkpoint()
}

// checkMasterBlock verifies the file header and the master block checksum
// before the anchors are trusted by the application later on.
func (db *Database) checkMasterBlock() error {
	if err := db.engine.Begin(); err != nil {
		return err
	}

	err := func() error {
		handle, err := db.engine.Read(0)
		if err != nil {
			return err
		}
		defer handle.Release()

		master := photon.NewFromBytes[masterBlock](handle.Bytes())
		if master.V.Header.Magic != fileMagic {
			return errors.Wrap(ErrInvalidFormat, "wrong magic header")
		}
		if master.V.Header.Version != FormatVersion {
			return errors.Wrapf(ErrUnsupportedVersion,
				"file version is %d but only version %d is supported",
				master.V.Header.Version, FormatVersion)
		}
		if computed := master.V.ComputeChecksum(); computed != master.V.Checksum {
			return errors.Wrapf(ErrInvalidFormat,
				"checksum mismatch for the master block, computed: %x, stored: %x",
				uint64(computed), uint64(master.V.Checksum))
		}
		return nil
	}()
	if err != nil {
		_ = db.engine.Rollback()
		return err
	}
	return db.engine.Commit()
}

// CreatePost stores a new post and returns its ID.
func (db *Database) CreatePost(user, title, content string) (uint64, error) {
	var id uint64
	err := db.runInTransaction(func(s *storage) error {
		var err error
		id, err = s.createPost(user, title, content)
		return err
	})
	return id, err
}

// CreateComment appends a comment to the post.
func (db *Database) CreateComment(postID uint64, user, content string) error {
	return db.runInTransaction(func(s *storage) error {
		return s.createComment(postID, user, content)
	})
}

// FetchFrontpage returns at most maxPosts posts, newest first. Content and
// comments are not loaded.
func (db *Database) FetchFrontpage(maxPosts int) (FrontpageResult, error) {
	var result FrontpageResult
	err := db.runInTransaction(func(s *storage) error {
		var err error
		result, err = s.fetchFrontpage(maxPosts)
		return err
	})
	return result, err
}

// FetchPost returns the post with at most maxComments of its comments, newest
// comment first.
func (db *Database) FetchPost(postID uint64, maxComments int) (PostResult, error) {
	var result PostResult
	err := db.runInTransaction(func(s *storage) error {
		var err error
		result, err = s.fetchPost(postID, maxComments)
		return err
	})
	return result, err
}

// Dump writes a human-readable snapshot of the allocator and store state.
func (db *Database) Dump(w io.Writer) error {
	return db.runInTransaction(func(s *storage) error {
		if err := s.alloc.Dump(w); err != nil {
			return err
		}
		return s.dump(w)
	})
}

// Finish shuts the database down cleanly: it checkpoints the journal, closes
// the files and removes the journal file. No operation may be started
// afterwards.
func (db *Database) Finish() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if !db.open {
		return errors.WithStack(ErrAlreadyClosed)
	}
	db.open = false

	if db.engine.JournalHasChanges() {
		if err := db.engine.Checkpoint(); err != nil {
			return err
		}
	}
	if err := db.databaseDev.Close(); err != nil {
		return err
	}
	if err := db.journalDev.Close(); err != nil {
		return err
	}

	// It is safe to remove the journal after a successful checkpoint.
	return filedev.Remove(db.journalPath)
}

// runInTransaction begins a transaction, sets up the allocator and storage
// views and commits at the end, or rolls back if the operation failed.
func (db *Database) runInTransaction(fn func(*storage) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if !db.open {
		return errors.WithStack(ErrShutDown)
	}

	if err := db.engine.Begin(); err != nil {
		return err
	}
	if err := db.transact(fn); err != nil {
		_ = db.engine.Rollback()
		return err
	}
	if err := db.engine.Commit(); err != nil {
		_ = db.engine.Rollback()
		return err
	}

	if db.engine.JournalSize() > journalCheckpointThreshold {
		return db.engine.Checkpoint()
	}
	return nil
}

// transact materializes the master block, runs fn on a storage view over it
// and writes the master block back iff one of its anchors changed. All block
// handles are released before the caller commits or rolls back; the engine
// rejects a commit with live handles.
func (db *Database) transact(fn func(*storage) error) error {
	handle, err := db.engine.Read(0)
	if err != nil {
		return err
	}
	defer handle.Release()

	master := photon.NewFromBytes[masterBlock](handle.Bytes())
	work := *master.V
	var changed blocks.AnchorFlag

	a := alloc.New(db.engine, &work.Alloc, &changed)
	store, err := newStorage(a, &work.Store, &changed)
	if err != nil {
		return err
	}
	if err := fn(store); err != nil {
		return err
	}

	if changed.Fired() {
		work.Checksum = work.ComputeChecksum()
		handle.MarkDirty()
		*master.V = work
	}
	return nil
}
