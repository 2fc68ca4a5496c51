// Package notifier はリツイートで検出したエンゲージメント急増をメールで通知する。
package notifier

import "github.com/hitoshi/searchwatch/internal/model"

// Metric はエンゲージメント指標の名前。
type Metric string

const (
	MetricLikes    Metric = "likes"
	MetricRetweets Metric = "retweets"
	MetricQuotes   Metric = "quotes"
	MetricReplies  Metric = "replies"
)

// Thresholds は指標ごとの増加量のしきい値。増加量がしきい値を超えると通知する。
type Thresholds struct {
	Likes    int64
	Retweets int64
	Quotes   int64
	Replies  int64
}

// DefaultThresholds は標準のしきい値。
var DefaultThresholds = Thresholds{Likes: 100, Retweets: 10, Quotes: 10, Replies: 100}

// Increase はひとつの指標の変化。
type Increase struct {
	Metric Metric
	Before int64
	After  int64
}

// Delta は増加量を返す。
func (i Increase) Delta() int64 { return i.After - i.Before }

// EngagementAlert は1件の投稿についての通知内容。
type EngagementAlert struct {
	SearchID   string
	SearchName string
	Tweet      model.Tweet
	Increases  []Increase
}

// DetectIncreases は前回値からの増加量がしきい値を超えた指標を返す。
func DetectIncreases(before, after model.Tweet, th Thresholds) []Increase {
	candidates := []struct {
		metric    Metric
		before    int64
		after     int64
		threshold int64
	}{
		{MetricLikes, before.LikeCount, after.LikeCount, th.Likes},
		{MetricRetweets, before.RetweetCount, after.RetweetCount, th.Retweets},
		{MetricQuotes, before.QuoteCount, after.QuoteCount, th.Quotes},
		{MetricReplies, before.ReplyCount, after.ReplyCount, th.Replies},
	}

	var out []Increase
	for _, c := range candidates {
		if c.after-c.before > c.threshold {
			out = append(out, Increase{Metric: c.metric, Before: c.before, After: c.after})
		}
	}
	return out
}
