package storage

import (
	"database/sql"
	"slices"

	"github.com/cyderes/bili-ingest/internal/models"
)

// ColumnKind is the storage type of a column.
type ColumnKind int

const (
	Text ColumnKind = iota
	Integer
)

// Column is one field of a table.
type Column struct {
	Name string
	Kind ColumnKind
}

// Table describes a keyed record family.
type Table struct {
	Name    string
	Columns []Column
	Key     []string
}

// Table names
const (
	VideosTableName = "videos"
	TypesTableName  = "video_types"
	RunsTableName   = "crawl_runs"
)

// Column names used outside the schema definitions.
const (
	ColBVID           = "bvid"
	ColUpID           = "up_id"
	ColPubTimestamp   = "pub_timestamp"
	ColFetchTimestamp = "fetch_timestamp"
	ColType           = "type"
	ColFollower       = "follower"
)

var videoColumns = []Column{
	{"bvid", Text},
	{"title", Text},
	{"up_name", Text},
	{"up_id", Integer},
	{"pub_timestamp", Integer},
	{"view", Integer},
	{"like", Integer},
	{"reply", Integer},
	{"danmaku", Integer},
	{"favorite", Integer},
	{"coin", Integer},
	{"share", Integer},
	{"description", Text},
	{"cover", Text},
	{"duration", Integer},
	{"tag", Text},
	{"video_url", Text},
	{"fetch_timestamp", Integer},
	{"region_id", Integer},
}

// VideosTable holds the latest observation of each item.
var VideosTable = Table{
	Name:    VideosTableName,
	Columns: append(slices.Clone(videoColumns), Column{ColFollower, Integer}),
	Key:     []string{ColBVID},
}

// TypesTable holds one snapshot per item and age bucket.
var TypesTable = Table{
	Name:    TypesTableName,
	Columns: append(slices.Clone(videoColumns), Column{ColType, Text}, Column{ColFollower, Integer}),
	Key:     []string{ColBVID, ColType},
}

// RunsTable records crawl run summaries.
var RunsTable = Table{
	Name: RunsTableName,
	Columns: []Column{
		{"id", Text},
		{"region_id", Integer},
		{"started_at", Integer},
		{"finished_at", Integer},
		{"status", Text},
		{"stop_reason", Text},
		{"pages", Integer},
		{"items", Integer},
		{"classified", Integer},
		{"item_failures", Integer},
		{"fetch_failures", Integer},
		{"error_message", Text},
	},
	Key: []string{"id"},
}

// ItemTables lists the item tables in preference order.
var ItemTables = []Table{VideosTable, TypesTable}

// TableByName returns the item table with the given name.
func TableByName(name string) (Table, bool) {
	for _, t := range ItemTables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// ColumnNames returns the column names in declaration order.
func (t Table) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// HasColumn reports whether the table declares the column.
func (t Table) HasColumn(name string) bool {
	return slices.ContainsFunc(t.Columns, func(c Column) bool { return c.Name == name })
}

// column returns the declared column, defaulting to Text for unknown names.
func (t Table) column(name string) Column {
	for _, c := range t.Columns {
		if c.Name == name {
			return c
		}
	}
	return Column{Name: name, Kind: Text}
}

// Missing returns declared columns absent from present.
func (t Table) Missing(present []string) []string {
	var missing []string
	for _, c := range t.Columns {
		if !slices.Contains(present, c.Name) {
			missing = append(missing, c.Name)
		}
	}
	return missing
}

// videoValue returns the value stored in the named column.
func videoValue(v *models.Video, col string) any {
	switch col {
	case "bvid":
		return v.BVID
	case "title":
		return v.Title
	case "up_name":
		return v.UpName
	case "up_id":
		return v.UpID
	case "pub_timestamp":
		return v.PubTimestamp
	case "view":
		return v.View
	case "like":
		return v.Like
	case "reply":
		return v.Reply
	case "danmaku":
		return v.Danmaku
	case "favorite":
		return v.Favorite
	case "coin":
		return v.Coin
	case "share":
		return v.Share
	case "description":
		return v.Description
	case "cover":
		return v.Cover
	case "duration":
		return v.Duration
	case "tag":
		return v.Tag
	case "video_url":
		return v.VideoURL
	case "fetch_timestamp":
		return v.FetchTimestamp
	case "region_id":
		return int64(v.RegionID)
	case "type":
		return v.Type
	case "follower":
		if v.Follower == nil {
			return nil
		}
		return *v.Follower
	default:
		return nil
	}
}

// setVideoText assigns a scanned text column. NULL leaves the zero value.
func setVideoText(v *models.Video, col string, ns sql.NullString) {
	if !ns.Valid {
		return
	}
	switch col {
	case "bvid":
		v.BVID = ns.String
	case "title":
		v.Title = ns.String
	case "up_name":
		v.UpName = ns.String
	case "description":
		v.Description = ns.String
	case "cover":
		v.Cover = ns.String
	case "tag":
		v.Tag = ns.String
	case "video_url":
		v.VideoURL = ns.String
	case "type":
		v.Type = ns.String
	}
}

// setVideoInt assigns a scanned integer column. NULL leaves the zero value,
// or nil for follower.
func setVideoInt(v *models.Video, col string, ni sql.NullInt64) {
	if !ni.Valid {
		return
	}
	n := ni.Int64
	switch col {
	case "up_id":
		v.UpID = n
	case "pub_timestamp":
		v.PubTimestamp = n
	case "view":
		v.View = n
	case "like":
		v.Like = n
	case "reply":
		v.Reply = n
	case "danmaku":
		v.Danmaku = n
	case "favorite":
		v.Favorite = n
	case "coin":
		v.Coin = n
	case "share":
		v.Share = n
	case "duration":
		v.Duration = n
	case "fetch_timestamp":
		v.FetchTimestamp = n
	case "region_id":
		v.RegionID = int(n)
	case "follower":
		v.Follower = &n
	}
}
