package blabber

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const testCacheBlocks = 256

// versionOffset is where the format version lives inside the file header.
var versionOffset = unsafe.Offsetof(fileHeader{}.Version)

// incompressibleString produces deterministic noise that lz4 cannot shrink.
func incompressibleString(n int) string {
	b := make([]byte, n)
	state := uint32(1)
	for i := range b {
		state = state*1664525 + 1013904223
		b[i] = byte(state >> 24)
	}
	return string(b)
}

func openTestDatabase(t *testing.T) (*Database, string) {
	path := filepath.Join(t.TempDir(), "blabber.db")
	db, err := Open(path, testCacheBlocks)
	require.NoError(t, err)
	return db, path
}

func TestCreateAndFetchPost(t *testing.T) {
	requireT := require.New(t)

	db, _ := openTestDatabase(t)
	defer db.Finish()

	before := uint64(time.Now().Unix())
	id, err := db.CreatePost("alice", "hi", "hello world")
	requireT.NoError(err)
	after := uint64(time.Now().Unix())
	requireT.EqualValues(1, id)

	result, err := db.FetchPost(1, 10)
	requireT.NoError(err)
	requireT.EqualValues(1, result.ID)
	requireT.Equal("alice", result.User)
	requireT.Equal("hi", result.Title)
	requireT.Equal("hello world", result.Content)
	requireT.Empty(result.Comments)
	requireT.GreaterOrEqual(result.CreatedAt, before)
	requireT.LessOrEqual(result.CreatedAt, after)
}

func TestPostIDsAreSequential(t *testing.T) {
	requireT := require.New(t)

	db, _ := openTestDatabase(t)
	defer db.Finish()

	for i := uint64(1); i <= 20; i++ {
		id, err := db.CreatePost("user", "title", "content")
		requireT.NoError(err)
		requireT.Equal(i, id)
	}
}

func TestFrontpageIsNewestFirst(t *testing.T) {
	requireT := require.New(t)

	db, _ := openTestDatabase(t)
	defer db.Finish()

	_, err := db.CreatePost("alice", "hi", "hello world")
	requireT.NoError(err)
	_, err = db.CreatePost("bob", "second", strings.Repeat("x", 100))
	requireT.NoError(err)

	result, err := db.FetchFrontpage(10)
	requireT.NoError(err)
	requireT.Len(result.Entries, 2)
	requireT.EqualValues(2, result.Entries[0].ID)
	requireT.Equal("bob", result.Entries[0].User)
	requireT.Equal("second", result.Entries[0].Title)
	requireT.EqualValues(1, result.Entries[1].ID)
	requireT.Equal("alice", result.Entries[1].User)

	// The limit caps the result from the newest side.

	result, err = db.FetchFrontpage(1)
	requireT.NoError(err)
	requireT.Len(result.Entries, 1)
	requireT.EqualValues(2, result.Entries[0].ID)
}

func TestCommentsAreNewestFirst(t *testing.T) {
	requireT := require.New(t)

	db, _ := openTestDatabase(t)
	defer db.Finish()

	_, err := db.CreatePost("alice", "hi", "hello world")
	requireT.NoError(err)
	id, err := db.CreatePost("bob", "second", "x")
	requireT.NoError(err)

	requireT.NoError(db.CreateComment(id, "carol", "nice"))
	requireT.NoError(db.CreateComment(id, "dave", "+1"))

	result, err := db.FetchPost(id, 10)
	requireT.NoError(err)
	requireT.Len(result.Comments, 2)
	requireT.Equal("dave", result.Comments[0].User)
	requireT.Equal("+1", result.Comments[0].Content)
	requireT.Equal("carol", result.Comments[1].User)
	requireT.Equal("nice", result.Comments[1].Content)

	// The limit keeps the newest comments.

	result, err = db.FetchPost(id, 1)
	requireT.NoError(err)
	requireT.Len(result.Comments, 1)
	requireT.Equal("dave", result.Comments[0].User)
}

func TestCommentOnMissingPost(t *testing.T) {
	requireT := require.New(t)

	db, _ := openTestDatabase(t)
	defer db.Finish()

	err := db.CreateComment(999, "x", "y")
	requireT.ErrorIs(err, ErrNotFound)

	_, err = db.FetchPost(999, 10)
	requireT.ErrorIs(err, ErrNotFound)
}

func TestDurabilityAcrossReopen(t *testing.T) {
	requireT := require.New(t)

	db, path := openTestDatabase(t)

	_, err := db.CreatePost("alice", "hi", "hello world")
	requireT.NoError(err)
	id, err := db.CreatePost("bob", "second", strings.Repeat("x", 100))
	requireT.NoError(err)
	requireT.NoError(db.CreateComment(id, "carol", "nice"))
	requireT.NoError(db.CreateComment(id, "dave", "+1"))

	requireT.NoError(db.Finish())

	// A clean shutdown removes the journal; the database file alone must be
	// self-sufficient.

	_, err = os.Stat(path + "-journal")
	requireT.True(os.IsNotExist(err))

	db, err = Open(path, testCacheBlocks)
	requireT.NoError(err)
	defer db.Finish()

	front, err := db.FetchFrontpage(10)
	requireT.NoError(err)
	requireT.Len(front.Entries, 2)
	requireT.EqualValues(2, front.Entries[0].ID)
	requireT.EqualValues(1, front.Entries[1].ID)

	result, err := db.FetchPost(2, 10)
	requireT.NoError(err)
	requireT.Equal(strings.Repeat("x", 100), result.Content)
	requireT.Len(result.Comments, 2)
	requireT.Equal("dave", result.Comments[0].User)
	requireT.Equal("carol", result.Comments[1].User)

	// IDs continue where they left off.

	id, err = db.CreatePost("erin", "third", "z")
	requireT.NoError(err)
	requireT.EqualValues(3, id)
}

func TestRecoveryAfterCrash(t *testing.T) {
	requireT := require.New(t)

	db, path := openTestDatabase(t)

	_, err := db.CreatePost("alice", "hi", "hello world")
	requireT.NoError(err)
	requireT.NoError(db.CreateComment(1, "bob", "first!"))

	// The handle is abandoned without Finish, simulating a crash: the data
	// sits in the journal and must be recovered on the next open.

	recovered, err := Open(path, testCacheBlocks)
	requireT.NoError(err)
	defer recovered.Finish()

	result, err := recovered.FetchPost(1, 10)
	requireT.NoError(err)
	requireT.Equal("alice", result.User)
	requireT.Len(result.Comments, 1)
	requireT.Equal("bob", result.Comments[0].User)
}

func TestOptimizedStringBoundaries(t *testing.T) {
	requireT := require.New(t)

	db, path := openTestDatabase(t)

	// User capacity is 15, title capacity is 31. Lengths around both
	// boundaries, zero, and a long string must all round-trip.
	lengths := []int{0, 1, 14, 15, 16, 30, 31, 32, 10000}
	for i, n := range lengths {
		user := strings.Repeat("u", n)
		title := strings.Repeat("t", n)
		content := strings.Repeat("c", n)

		id, err := db.CreatePost(user, title, content)
		requireT.NoError(err)
		requireT.EqualValues(i+1, id)

		result, err := db.FetchPost(id, 10)
		requireT.NoError(err)
		requireT.Equal(user, result.User)
		requireT.Equal(title, result.Title)
		requireT.Equal(content, result.Content)

		requireT.NoError(db.CreateComment(id, user, content))
		result, err = db.FetchPost(id, 10)
		requireT.NoError(err)
		requireT.Len(result.Comments, 1)
		requireT.Equal(user, result.Comments[0].User)
		requireT.Equal(content, result.Comments[0].Content)
	}

	// The encodings must survive a reopen too.

	requireT.NoError(db.Finish())
	db, err := Open(path, testCacheBlocks)
	requireT.NoError(err)
	defer db.Finish()

	for i, n := range lengths {
		result, err := db.FetchPost(uint64(i+1), 10)
		requireT.NoError(err)
		requireT.Equal(strings.Repeat("u", n), result.User)
		requireT.Equal(strings.Repeat("t", n), result.Title)
		requireT.Equal(strings.Repeat("c", n), result.Content)
	}
}

func TestFailedOperationIsRolledBack(t *testing.T) {
	requireT := require.New(t)

	db, path := openTestDatabase(t)

	_, err := db.CreatePost("alice", "hi", "hello world")
	requireT.NoError(err)

	// Fail the transaction after the post has been inserted into the tree.
	// Nothing of it may survive.

	errBoom := errors.New("boom")
	err = db.runInTransaction(func(s *storage) error {
		if _, err := s.createPost("mallory", "evil", "discarded"); err != nil {
			return err
		}
		return errBoom
	})
	requireT.ErrorIs(err, errBoom)

	front, err := db.FetchFrontpage(10)
	requireT.NoError(err)
	requireT.Len(front.Entries, 1)

	// The ID counter is unchanged, and after a reopen only the two committed
	// posts exist.

	id, err := db.CreatePost("bob", "second", "x")
	requireT.NoError(err)
	requireT.EqualValues(2, id)

	requireT.NoError(db.Finish())
	db, err = Open(path, testCacheBlocks)
	requireT.NoError(err)
	defer db.Finish()

	front, err = db.FetchFrontpage(10)
	requireT.NoError(err)
	requireT.Len(front.Entries, 2)
}

func TestFinish(t *testing.T) {
	requireT := require.New(t)

	db, _ := openTestDatabase(t)

	requireT.NoError(db.Finish())
	requireT.ErrorIs(db.Finish(), ErrAlreadyClosed)

	_, err := db.CreatePost("alice", "hi", "x")
	requireT.ErrorIs(err, ErrShutDown)
	_, err = db.FetchFrontpage(10)
	requireT.ErrorIs(err, ErrShutDown)
}

func TestOpenRejectsForeignFile(t *testing.T) {
	requireT := require.New(t)

	path := filepath.Join(t.TempDir(), "not-a-db")
	requireT.NoError(os.WriteFile(path, bytes.Repeat([]byte{0x5a}, 8192), 0o644))

	_, err := Open(path, testCacheBlocks)
	requireT.ErrorIs(err, ErrInvalidFormat)
}

func TestOpenRejectsUnsupportedVersion(t *testing.T) {
	requireT := require.New(t)

	db, path := openTestDatabase(t)
	requireT.NoError(db.Finish())

	// Bump the version field in the file header.

	content, err := os.ReadFile(path)
	requireT.NoError(err)
	content[versionOffset] = 0xfe
	requireT.NoError(os.WriteFile(path, content, 0o644))

	_, err = Open(path, testCacheBlocks)
	requireT.ErrorIs(err, ErrUnsupportedVersion)
	requireT.Contains(err.Error(), "version")
}

func TestOpenRejectsCorruptedMasterBlock(t *testing.T) {
	requireT := require.New(t)

	db, path := openTestDatabase(t)
	_, err := db.CreatePost("alice", "hi", "hello world")
	requireT.NoError(err)
	requireT.NoError(db.Finish())

	// Flip a byte in the store anchor. The magic and version are intact, so
	// only the checksum can catch this.

	content, err := os.ReadFile(path)
	requireT.NoError(err)
	content[unsafe.Offsetof(masterBlock{}.Store)] ^= 0xff
	requireT.NoError(os.WriteFile(path, content, 0o644))

	_, err = Open(path, testCacheBlocks)
	requireT.ErrorIs(err, ErrInvalidFormat)
	requireT.Contains(err.Error(), "checksum")
}

func TestJournalCheckpointThreshold(t *testing.T) {
	requireT := require.New(t)

	db, _ := openTestDatabase(t)
	defer db.Finish()

	// Large incompressible contents push the journal over the threshold,
	// which triggers a checkpoint right after the commit.

	content := incompressibleString(600 * 1024)
	_, err := db.CreatePost("alice", "big", content)
	requireT.NoError(err)
	_, err = db.CreatePost("bob", "big", content)
	requireT.NoError(err)

	requireT.LessOrEqual(db.engine.JournalSize(), int64(journalCheckpointThreshold))

	result, err := db.FetchPost(1, 10)
	requireT.NoError(err)
	requireT.Equal(content, result.Content)
}

func TestDumpIsDeterministic(t *testing.T) {
	requireT := require.New(t)

	db, _ := openTestDatabase(t)
	defer db.Finish()

	_, err := db.CreatePost("alice", "hi", "hello world")
	requireT.NoError(err)
	requireT.NoError(db.CreateComment(1, "bob", "first!"))

	var first, second bytes.Buffer
	requireT.NoError(db.Dump(&first))
	requireT.NoError(db.Dump(&second))
	requireT.Equal(first.String(), second.String())
	requireT.Contains(first.String(), "post 1")
}
