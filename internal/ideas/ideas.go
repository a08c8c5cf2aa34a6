// Package ideas suggests video topics from popular Reddit posts.
package ideas

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/vartanbeno/go-reddit/v2/reddit"

	"github.com/jo-hoe/reelsmith/internal/common"
	"github.com/jo-hoe/reelsmith/internal/config"
)

// Idea is a candidate topic.
type Idea struct {
	Topic     string    `json:"topic"`
	Source    string    `json:"source"`
	URL       string    `json:"url"`
	Score     int       `json:"score"`
	Comments  int       `json:"comments"`
	CreatedAt time.Time `json:"created_at"`
}

// RedditSource reads hot posts through the public read-only API.
type RedditSource struct {
	log        *slog.Logger
	client     *reddit.Client
	subreddits []string
	limit      int
}

func NewRedditSource(cfg config.IdeasConfig, log *slog.Logger) (*RedditSource, error) {
	opts := []reddit.Opt{reddit.WithUserAgent(cfg.UserAgent)}
	if cfg.BaseURL != "" {
		opts = append(opts, reddit.WithBaseURL(cfg.BaseURL))
	}
	client, err := reddit.NewReadonlyClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("reddit client: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedditSource{log: log, client: client, subreddits: cfg.Subreddits, limit: cfg.Limit}, nil
}

// Suggest returns up to limit ideas from subreddit, or from every configured
// subreddit when it is empty. Subreddits that fail are logged and skipped.
func (s *RedditSource) Suggest(ctx context.Context, subreddit string, limit int) ([]Idea, error) {
	if limit <= 0 || limit > 100 {
		limit = s.limit
	}
	subs := s.subreddits
	if sub := strings.TrimPrefix(strings.TrimSpace(subreddit), "r/"); sub != "" {
		subs = []string{sub}
	}

	var (
		posts   []*reddit.Post
		lastErr error
	)
	for _, sub := range subs {
		got, _, err := s.client.Subreddit.HotPosts(ctx, sub, &reddit.ListOptions{Limit: limit * 2})
		if err != nil {
			s.log.Warn("reddit hot posts", "subreddit", sub, "err", err)
			lastErr = err
			continue
		}
		posts = append(posts, got...)
	}
	if len(posts) == 0 && lastErr != nil {
		return nil, fmt.Errorf("fetch ideas: %w", lastErr)
	}
	return Rank(posts, limit), nil
}

var titlePrefix = regexp.MustCompile(`(?i)^(til|today i learned)(\s+that|\s+about|\s+of)?[\s:,-]+`)

// Topic turns a post title into a topic, or "" when it is unusable.
func Topic(title string) string {
	t := strings.Join(strings.Fields(title), " ")
	t = titlePrefix.ReplaceAllString(t, "")
	t = strings.TrimRight(t, " .!?")
	if r := []rune(t); len(r) > common.MaxTopicLength {
		t = strings.TrimSpace(string(r[:common.MaxTopicLength]))
	}
	if utf8.RuneCountInString(t) < common.MinTopicLength {
		return ""
	}
	r, size := utf8.DecodeRuneInString(t)
	return string(unicode.ToUpper(r)) + t[size:]
}

// Rank drops pinned, adult and duplicate posts and orders the rest by score.
func Rank(posts []*reddit.Post, limit int) []Idea {
	seen := make(map[string]struct{}, len(posts))
	out := make([]Idea, 0, len(posts))
	for _, p := range posts {
		if p == nil || p.Stickied || p.NSFW {
			continue
		}
		topic := Topic(p.Title)
		if topic == "" {
			continue
		}
		key := strings.ToLower(topic)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		idea := Idea{
			Topic:    topic,
			Source:   "r/" + p.SubredditName,
			URL:      "https://www.reddit.com" + p.Permalink,
			Score:    p.Score,
			Comments: p.NumberOfComments,
		}
		if p.Created != nil {
			idea.CreatedAt = p.Created.Time
		}
		out = append(out, idea)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
