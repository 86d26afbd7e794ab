// Command blabber is a small CLI for exercising and inspecting a blabber
// database.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/davecgh/go-spew/spew"
	"github.com/fatih/color"
	"github.com/pkg/errors"

	"github.com/outofforest/blabber"
)

var cli struct {
	DB          string `name:"db" short:"d" default:"blabber.db" help:"Path to the database file."`
	CacheBlocks uint32 `name:"cache-blocks" default:"1024" help:"Number of blocks kept in the cache."`
	NoSync      bool   `name:"no-sync" help:"Do not sync the journal on commit."`

	Init    InitCmd    `cmd:"" help:"Initialize a fresh database file."`
	Post    PostCmd    `cmd:"" help:"Create a post."`
	Comment CommentCmd `cmd:"" help:"Comment on a post."`
	Front   FrontCmd   `cmd:"" help:"Show the front page."`
	Show    ShowCmd    `cmd:"" help:"Show a post with its comments."`
	Dump    DumpCmd    `cmd:"" help:"Dump the internal state of the database."`
}

func main() {
	ctx := kong.Parse(&cli)
	ctx.FatalIfErrorf(ctx.Run())
}

func withDatabase(fn func(db *blabber.Database) error) error {
	db, err := blabber.Open(cli.DB, cli.CacheBlocks, blabber.WithSyncOnCommit(!cli.NoSync))
	if err != nil {
		return err
	}
	if err := fn(db); err != nil {
		_ = db.Finish()
		return err
	}
	return db.Finish()
}

// InitCmd initializes a fresh database file.
type InitCmd struct{}

// Run executes the command.
func (c *InitCmd) Run() error {
	if _, err := os.Stat(cli.DB); err == nil {
		color.Yellow("database already exists at %s", cli.DB)
		return nil
	}
	return withDatabase(func(db *blabber.Database) error {
		color.Green("initialized database at %s", cli.DB)
		return nil
	})
}

// PostCmd creates a post.
type PostCmd struct {
	User    string `arg:"" help:"Author of the post."`
	Title   string `arg:"" help:"Title of the post."`
	Content string `arg:"" help:"Content of the post."`
}

// Run executes the command.
func (c *PostCmd) Run() error {
	return withDatabase(func(db *blabber.Database) error {
		id, err := db.CreatePost(c.User, c.Title, c.Content)
		if err != nil {
			return err
		}
		color.Green("created post %d", id)
		return nil
	})
}

// CommentCmd comments on a post.
type CommentCmd struct {
	Post    uint64 `arg:"" help:"ID of the post."`
	User    string `arg:"" help:"Author of the comment."`
	Content string `arg:"" help:"Content of the comment."`
}

// Run executes the command.
func (c *CommentCmd) Run() error {
	return withDatabase(func(db *blabber.Database) error {
		if err := db.CreateComment(c.Post, c.User, c.Content); err != nil {
			if errors.Is(err, blabber.ErrNotFound) {
				color.Red("post %d does not exist", c.Post)
				return nil
			}
			return err
		}
		color.Green("commented on post %d", c.Post)
		return nil
	})
}

// FrontCmd shows the front page.
type FrontCmd struct {
	Max int `name:"max" short:"n" default:"10" help:"Maximum number of posts."`
}

// Run executes the command.
func (c *FrontCmd) Run() error {
	return withDatabase(func(db *blabber.Database) error {
		result, err := db.FetchFrontpage(c.Max)
		if err != nil {
			return err
		}
		for _, entry := range result.Entries {
			color.Cyan("%d: %s", entry.ID, entry.Title)
			fmt.Printf("    by %s at %s\n", entry.User, formatTime(entry.CreatedAt))
		}
		return nil
	})
}

// ShowCmd shows a post with its comments.
type ShowCmd struct {
	Post    uint64 `arg:"" help:"ID of the post."`
	Max     int    `name:"max" short:"n" default:"10" help:"Maximum number of comments."`
	Verbose bool   `short:"v" help:"Dump the raw result structure."`
}

// Run executes the command.
func (c *ShowCmd) Run() error {
	return withDatabase(func(db *blabber.Database) error {
		result, err := db.FetchPost(c.Post, c.Max)
		if err != nil {
			if errors.Is(err, blabber.ErrNotFound) {
				color.Red("post %d does not exist", c.Post)
				return nil
			}
			return err
		}

		if c.Verbose {
			spew.Dump(result)
			return nil
		}

		color.Cyan("%d: %s", result.ID, result.Title)
		fmt.Printf("by %s at %s\n\n%s\n", result.User, formatTime(result.CreatedAt), result.Content)
		for _, comment := range result.Comments {
			fmt.Printf("\n  %s at %s:\n  %s\n", comment.User, formatTime(comment.CreatedAt), comment.Content)
		}
		return nil
	})
}

// DumpCmd dumps the internal state of the database.
type DumpCmd struct{}

// Run executes the command.
func (c *DumpCmd) Run() error {
	return withDatabase(func(db *blabber.Database) error {
		return db.Dump(os.Stdout)
	})
}

func formatTime(unixSeconds uint64) string {
	return time.Unix(int64(unixSeconds), 0).UTC().Format(time.RFC3339)
}
