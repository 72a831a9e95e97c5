package export

import (
	"fmt"
	"time"

	"github.com/cyderes/bili-ingest/internal/models"
	"github.com/cyderes/bili-ingest/internal/storage"
)

// DateLayout renders timestamps in reports.
const DateLayout = "2006-01-02 15:04:05"

// field is one report column: a header and how to render it from a record.
type field struct {
	Header string
	Value  func(v *models.Video, loc *time.Location) any
}

func text(get func(v *models.Video) string) func(*models.Video, *time.Location) any {
	return func(v *models.Video, _ *time.Location) any { return get(v) }
}

func number(get func(v *models.Video) int64) func(*models.Video, *time.Location) any {
	return func(v *models.Video, _ *time.Location) any { return get(v) }
}

func date(get func(v *models.Video) int64) func(*models.Video, *time.Location) any {
	return func(v *models.Video, loc *time.Location) any {
		ts := get(v)
		if ts == 0 {
			return ""
		}
		return time.Unix(ts, 0).In(loc).Format(DateLayout)
	}
}

var (
	fBVID        = field{"视频ID", text(func(v *models.Video) string { return v.BVID })}
	fTitle       = field{"标题", text(func(v *models.Video) string { return v.Title })}
	fDuration    = field{"时长", func(v *models.Video, _ *time.Location) any { return FormatDuration(v.Duration) }}
	fUpName      = field{"频道名称", text(func(v *models.Video) string { return v.UpName })}
	fPublished   = field{"发布时间", date(func(v *models.Video) int64 { return v.PubTimestamp })}
	fView        = field{"播放数", number(func(v *models.Video) int64 { return v.View })}
	fLike        = field{"点赞数", number(func(v *models.Video) int64 { return v.Like })}
	fReply       = field{"评论数", number(func(v *models.Video) int64 { return v.Reply })}
	fDanmaku     = field{"弹幕数", number(func(v *models.Video) int64 { return v.Danmaku })}
	fFavorite    = field{"收藏数", number(func(v *models.Video) int64 { return v.Favorite })}
	fCoin        = field{"投币数", number(func(v *models.Video) int64 { return v.Coin })}
	fShare       = field{"分享数", number(func(v *models.Video) int64 { return v.Share })}
	fDescription = field{"简介", text(func(v *models.Video) string { return v.Description })}
	fURL         = field{"视频链接", text(func(v *models.Video) string { return v.VideoURL })}
	fCover       = field{"封面", text(func(v *models.Video) string { return v.Cover })}
	fTag         = field{"标签", text(func(v *models.Video) string { return v.Tag })}
	fRegion      = field{"分区ID", number(func(v *models.Video) int64 { return int64(v.RegionID) })}
	fUpID        = field{"频道ID", number(func(v *models.Video) int64 { return v.UpID })}
	fFetched     = field{"采集时间", date(func(v *models.Video) int64 { return v.FetchTimestamp })}
	fType        = field{"类型", text(func(v *models.Video) string { return v.Type })}
	fFollower    = field{"粉丝数（采集时）", func(v *models.Video, _ *time.Location) any {
		if v.Follower == nil {
			return ""
		}
		return *v.Follower
	}}
)

// layouts fixes the report column order per table.
var layouts = map[string][]field{
	storage.VideosTableName: {
		fBVID, fTitle, fDuration, fUpName, fPublished, fView, fLike, fReply, fDanmaku,
		fFavorite, fCoin, fShare, fDescription, fURL, fCover, fTag, fRegion, fUpID,
		fFetched, fFollower,
	},
	storage.TypesTableName: {
		fTitle, fDuration, fUpName, fPublished, fFollower, fView, fLike, fReply, fDanmaku,
		fFavorite, fCoin, fShare, fDescription, fURL, fCover, fTag, fBVID, fRegion,
		fUpID, fFetched, fType,
	},
}

// Headers returns the report header row for a table.
func Headers(table string) []string {
	fields := layouts[table]
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Header
	}
	return out
}

// FormatDuration renders seconds as MM:SS below one hour and HH:MM:SS
// otherwise.
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := seconds % 3600 / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
