package models

import (
	"fmt"
	"time"
)

// Stats holds the engagement counters of a video at observation time
type Stats struct {
	View     int64 `json:"view" bson:"view" dynamodbav:"view"`
	Like     int64 `json:"like" bson:"like" dynamodbav:"like"`
	Reply    int64 `json:"reply" bson:"reply" dynamodbav:"reply"`
	Danmaku  int64 `json:"danmaku" bson:"danmaku" dynamodbav:"danmaku"`
	Favorite int64 `json:"favorite" bson:"favorite" dynamodbav:"favorite"`
	Coin     int64 `json:"coin" bson:"coin" dynamodbav:"coin"`
	Share    int64 `json:"share" bson:"share" dynamodbav:"share"`
}

// Video is one observed item from the category listing
type Video struct {
	BVID           string `json:"bvid" bson:"bvid" dynamodbav:"bvid"`
	Title          string `json:"title" bson:"title" dynamodbav:"title"`
	UpName         string `json:"up_name" bson:"up_name" dynamodbav:"up_name"`
	UpID           int64  `json:"up_id" bson:"up_id" dynamodbav:"up_id"`
	PubTimestamp   int64  `json:"pub_timestamp" bson:"pub_timestamp" dynamodbav:"pub_timestamp"`
	Stats          `json:",inline" bson:",inline"`
	Description    string `json:"description" bson:"description" dynamodbav:"description"`
	Cover          string `json:"cover" bson:"cover" dynamodbav:"cover"`
	Duration       int64  `json:"duration" bson:"duration" dynamodbav:"duration"`
	Tag            string `json:"tag" bson:"tag" dynamodbav:"tag"`
	VideoURL       string `json:"video_url" bson:"video_url" dynamodbav:"video_url"`
	FetchTimestamp int64  `json:"fetch_timestamp" bson:"fetch_timestamp" dynamodbav:"fetch_timestamp"`
	RegionID       int    `json:"region_id" bson:"region_id" dynamodbav:"region_id"`

	// Type is the age bucket label; only set on type table rows.
	Type string `json:"type,omitempty" bson:"type,omitempty" dynamodbav:"type,omitempty"`
	// Follower is nil until a lookup succeeds.
	Follower *int64 `json:"follower" bson:"follower" dynamodbav:"follower"`
}

// VideoURL builds the canonical page address for a bvid
func VideoURL(bvid string) string {
	return fmt.Sprintf("https://www.bilibili.com/video/%s", bvid)
}

// Run statuses
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunFailure = "failure"
	RunNever   = "never_run"
)

// Stop reasons
const (
	StopEmptyPage     = "empty_page"
	StopFetchFailures = "fetch_failures"
	StopCutoffReached = "cutoff_reached"
	StopPageLimit     = "page_limit"
	StopCancelled     = "cancelled"
)

// CrawlRun tracks the outcome of one ingestion run
type CrawlRun struct {
	ID            string    `json:"id" bson:"_id" dynamodbav:"id"`
	RegionID      int       `json:"region_id" bson:"region_id" dynamodbav:"region_id"`
	StartedAt     time.Time `json:"started_at" bson:"started_at" dynamodbav:"started_at"`
	FinishedAt    time.Time `json:"finished_at" bson:"finished_at" dynamodbav:"finished_at"`
	Status        string    `json:"status" bson:"status" dynamodbav:"status"` // "success", "failure", "running"
	StopReason    string    `json:"stop_reason,omitempty" bson:"stop_reason" dynamodbav:"stop_reason"`
	Pages         int       `json:"pages" bson:"pages" dynamodbav:"pages"`
	Items         int       `json:"items" bson:"items" dynamodbav:"items"`
	Classified    int       `json:"classified" bson:"classified" dynamodbav:"classified"`
	ItemFailures  int       `json:"item_failures" bson:"item_failures" dynamodbav:"item_failures"`
	FetchFailures int       `json:"fetch_failures" bson:"fetch_failures" dynamodbav:"fetch_failures"`
	ErrorMessage  string    `json:"error_message,omitempty" bson:"error_message" dynamodbav:"error_message"`
}
