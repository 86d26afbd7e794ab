package blabber

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/blabber/alloc"
	"github.com/outofforest/blabber/blocks"
	"github.com/outofforest/blabber/container/btree"
	"github.com/outofforest/blabber/container/heap"
	"github.com/outofforest/blabber/container/list"
)

// Post is the format of posts stored on disk.
type Post struct {
	ID        uint64
	CreatedAt uint64
	User      optimizedString15
	Title     optimizedString31
	Content   heap.Reference

	// All comments in the order they have been inserted in. The list anchor is
	// part of the post record, so appending a comment mutates the post.
	Comments list.Anchor
}

// Comment is the format of comments stored on disk. Comments have no ID and
// live in exactly one list.
type Comment struct {
	CreatedAt uint64
	User      optimizedString15
	Content   heap.Reference
}

// storeAnchor roots the domain state. It is stored in the master block.
type storeAnchor struct {
	// IDs are simply incremented whenever a new post is created. 64-bit space
	// is very unlikely to be exhausted.
	NextPostID uint64
	Posts      btree.Anchor
	Strings    heap.Anchor
}

// PostEntry is the part of a post displayed on the front page.
type PostEntry struct {
	ID        uint64
	CreatedAt uint64
	User      string
	Title     string
}

// FrontpageResult lists posts, newest first.
type FrontpageResult struct {
	Entries []PostEntry
}

// CommentEntry is a decoded comment.
type CommentEntry struct {
	CreatedAt uint64
	User      string
	Content   string
}

// PostResult is a fully decoded post. Comments are ordered newest first.
type PostResult struct {
	ID        uint64
	CreatedAt uint64
	User      string
	Title     string
	Content   string
	Comments  []CommentEntry
}

// storage provides the domain operations on top of the containers. A storage
// view lives for the duration of one transaction.
type storage struct {
	alloc   *alloc.Allocator
	anchor  *storeAnchor
	flag    *blocks.AnchorFlag
	posts   *btree.Tree[Post]
	strings *heap.Heap
}

func newStorage(a *alloc.Allocator, anchor *storeAnchor, flag *blocks.AnchorFlag) (*storage, error) {
	posts, err := btree.New[Post](a, &anchor.Posts, flag, func(p *Post) uint64 {
		return p.ID
	})
	if err != nil {
		return nil, err
	}

	return &storage{
		alloc:   a,
		anchor:  anchor,
		flag:    flag,
		posts:   posts,
		strings: heap.New(a, &anchor.Strings, flag),
	}, nil
}

func (s *storage) createPost(user, title, content string) (uint64, error) {
	id := s.anchor.NextPostID
	if id == 0 {
		// ID wrap around, practically impossible.
		return 0, errors.WithStack(ErrIDSpaceExhausted)
	}

	createdAt, err := currentTimestamp()
	if err != nil {
		return 0, err
	}

	newPost := Post{
		ID:        id,
		CreatedAt: createdAt,
	}
	if newPost.User, err = storeOptimizedString15(s.strings, user); err != nil {
		return 0, err
	}
	if newPost.Title, err = storeOptimizedString31(s.strings, title); err != nil {
		return 0, err
	}
	if newPost.Content, err = storeString(s.strings, content); err != nil {
		return 0, err
	}
	if err := s.posts.Insert(newPost); err != nil {
		return 0, err
	}

	s.anchor.NextPostID = id + 1
	s.flag.Mark()
	return id, nil
}

func (s *storage) createComment(postID uint64, user, content string) error {
	// First find the post, then append the new comment to its list.
	cursor, found, err := s.posts.Find(postID)
	if err != nil {
		return err
	}
	if !found {
		return errors.WithStack(ErrNotFound)
	}

	foundPost, err := cursor.Get()
	if err != nil {
		return err
	}

	var postChanged blocks.AnchorFlag
	comments, err := list.New[Comment](s.alloc, &foundPost.Comments, &postChanged)
	if err != nil {
		return err
	}

	newComment := Comment{}
	if newComment.CreatedAt, err = currentTimestamp(); err != nil {
		return err
	}
	if newComment.User, err = storeOptimizedString15(s.strings, user); err != nil {
		return err
	}
	if newComment.Content, err = storeString(s.strings, content); err != nil {
		return err
	}
	if err := comments.PushBack(newComment); err != nil {
		return err
	}

	// The list anchor has changed because of the insertion, so the post entry
	// must be written back under the same key.
	if postChanged.Fired() {
		return cursor.Set(foundPost)
	}
	return nil
}

func (s *storage) fetchFrontpage(maxPosts int) (FrontpageResult, error) {
	var result FrontpageResult

	// Iterate from the maximum key downwards so the newest post comes first.
	cursor, err := s.posts.Cursor(btree.SeekMax)
	if err != nil {
		return FrontpageResult{}, err
	}
	for cursor.Valid() && len(result.Entries) < maxPosts {
		p, err := cursor.Get()
		if err != nil {
			return FrontpageResult{}, err
		}

		entry := PostEntry{
			ID:        p.ID,
			CreatedAt: p.CreatedAt,
		}
		if entry.User, err = loadOptimizedString15(s.strings, p.User); err != nil {
			return FrontpageResult{}, err
		}
		if entry.Title, err = loadOptimizedString31(s.strings, p.Title); err != nil {
			return FrontpageResult{}, err
		}
		result.Entries = append(result.Entries, entry)

		if err := cursor.MovePrev(); err != nil {
			return FrontpageResult{}, err
		}
	}
	return result, nil
}

func (s *storage) fetchPost(postID uint64, maxComments int) (PostResult, error) {
	cursor, found, err := s.posts.Find(postID)
	if err != nil {
		return PostResult{}, err
	}
	if !found {
		return PostResult{}, errors.WithStack(ErrNotFound)
	}

	foundPost, err := cursor.Get()
	if err != nil {
		return PostResult{}, err
	}

	var postChanged blocks.AnchorFlag
	var foundComments []Comment
	comments, err := list.New[Comment](s.alloc, &foundPost.Comments, &postChanged)
	if err != nil {
		return PostResult{}, err
	}
	commentCursor, err := comments.Cursor(list.SeekLast)
	if err != nil {
		return PostResult{}, err
	}
	for commentCursor.Valid() && len(foundComments) < maxComments {
		c, err := commentCursor.Get()
		if err != nil {
			return PostResult{}, err
		}
		foundComments = append(foundComments, c)
		if err := commentCursor.MovePrev(); err != nil {
			return PostResult{}, err
		}
	}

	if postChanged.Fired() {
		// The list must not be modified by a read-only operation.
		return PostResult{}, errors.Wrap(ErrInternalInvariant, "post modified by a read-only operation")
	}

	result := PostResult{
		ID:        foundPost.ID,
		CreatedAt: foundPost.CreatedAt,
	}
	if result.User, err = loadOptimizedString15(s.strings, foundPost.User); err != nil {
		return PostResult{}, err
	}
	if result.Title, err = loadOptimizedString31(s.strings, foundPost.Title); err != nil {
		return PostResult{}, err
	}
	if result.Content, err = loadString(s.strings, foundPost.Content); err != nil {
		return PostResult{}, err
	}

	// Comment strings are loaded in comment order, not in the order their
	// blobs appear on disk. Without deletion the blobs are laid out mostly in
	// insertion order anyway, so sorting the references first is not worth it.
	for _, c := range foundComments {
		entry := CommentEntry{
			CreatedAt: c.CreatedAt,
		}
		if entry.User, err = loadOptimizedString15(s.strings, c.User); err != nil {
			return PostResult{}, err
		}
		if entry.Content, err = loadString(s.strings, c.Content); err != nil {
			return PostResult{}, err
		}
		result.Comments = append(result.Comments, entry)
	}
	return result, nil
}

func (s *storage) dump(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "store: nextPostID=%d posts=%d treeHeight=%d\n",
		s.anchor.NextPostID, s.posts.Len(), s.posts.Height()); err != nil {
		return errors.WithStack(err)
	}
	if err := s.strings.Dump(w); err != nil {
		return err
	}

	cursor, err := s.posts.Cursor(btree.SeekMin)
	if err != nil {
		return err
	}
	for cursor.Valid() {
		p, err := cursor.Get()
		if err != nil {
			return err
		}
		user, err := loadOptimizedString15(s.strings, p.User)
		if err != nil {
			return err
		}
		title, err := loadOptimizedString31(s.strings, p.Title)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "post %d: createdAt=%d user=%q title=%q comments=%d\n",
			p.ID, p.CreatedAt, user, title, p.Comments.NItems); err != nil {
			return errors.WithStack(err)
		}
		if err := cursor.MoveNext(); err != nil {
			return err
		}
	}
	return nil
}

// currentTimestamp returns the current time as Unix seconds in UTC.
func currentTimestamp() (uint64, error) {
	t := time.Now().Unix()
	if t < 0 {
		return 0, errors.WithStack(ErrClockError)
	}
	return uint64(t), nil
}
