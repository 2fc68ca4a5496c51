// Package volumetry は取得した投稿バッチを時間単位の増分カウンタに変換し、
// 保存済みの集計に加算する。
package volumetry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/searchwatch/internal/model"
	"github.com/hitoshi/searchwatch/internal/repository"
	"github.com/hitoshi/searchwatch/internal/scraper"
)

// unknownLanguage は言語が判定されていない投稿の集計キー。
const unknownLanguage = "und"

// Compute は投稿をUTCの1時間単位のバケットに集計する。
// termはハッシュタグとして正規化したうえで共起ハッシュタグから除外する。
// 結果は時刻の昇順に並ぶ。
func Compute(tweets []model.Tweet, term string) []model.VolumetryBucket {
	if len(tweets) == 0 {
		return nil
	}

	tracked := scraper.SanitizeHashtag(strings.TrimLeft(strings.TrimSpace(term), "#$@"))
	byHour := make(map[time.Time]*model.VolumetryBucket)

	for i := range tweets {
		t := &tweets[i]
		hour := t.Hour()
		b, ok := byHour[hour]
		if !ok {
			b = &model.VolumetryBucket{
				Date: hour,
				VolumetryCounters: model.VolumetryCounters{
					Languages:          map[string]int64{},
					Usernames:          map[string]int64{},
					AssociatedHashtags: map[string]int64{},
				},
			}
			byHour[hour] = b
		}

		b.Tweets++
		b.Retweets += t.RetweetCount
		b.Likes += t.LikeCount
		b.Quotes += t.QuoteCount
		b.Replies += t.ReplyCount

		lang := t.Lang
		if lang == "" {
			lang = unknownLanguage
		}
		b.Languages[lang]++
		if t.Username != "" {
			b.Usernames[t.Username]++
		}
		for _, tag := range t.Hashtags {
			if tag == "" || tag == tracked {
				continue
			}
			b.AssociatedHashtags[tag]++
		}
	}

	buckets := make([]model.VolumetryBucket, 0, len(byHour))
	for _, b := range byHour {
		buckets = append(buckets, *b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Date.Before(buckets[j].Date) })
	return buckets
}

// Aggregator はバケットを保存済みの集計へ加算する。
type Aggregator struct {
	repo    repository.VolumetryRepository
	logger  *slog.Logger
	onMerge func(buckets int)
}

// NewAggregator はAggregatorを生成する。
func NewAggregator(repo repository.VolumetryRepository, logger *slog.Logger) *Aggregator {
	return &Aggregator{repo: repo, logger: logger}
}

// OnMerge は加算成功時に呼ばれる関数を設定する。
func (a *Aggregator) OnMerge(fn func(buckets int)) {
	a.onMerge = fn
}

// Merge はバッチの全バケットを1回のバルク操作で加算する。
// 加算は冪等ではないため、同じバッチに対して1回だけ呼び出すこと。
func (a *Aggregator) Merge(ctx context.Context, searchID string, buckets []model.VolumetryBucket) error {
	if len(buckets) == 0 {
		return nil
	}
	if err := a.repo.BatchIncrement(ctx, searchID, model.PlatformTwitter, buckets); err != nil {
		return err
	}

	a.logger.Info("ボリューム集計を加算しました",
		slog.String("search_id", searchID),
		slog.Int("buckets", len(buckets)),
	)
	if a.onMerge != nil {
		a.onMerge(len(buckets))
	}
	return nil
}
