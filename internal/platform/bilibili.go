package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"subwatch/internal/account"
	"subwatch/internal/config"
	"subwatch/internal/snapshot"
	"subwatch/pkg/logx"
)

const (
	bilibiliLiveAPI  = "https://api.live.bilibili.com/room/v1/Room/get_status_info_by_uids"
	bilibiliSpaceAPI = "https://api.bilibili.com/x/polymer/web-dynamic/v1/feed/space"
	bilibiliVideoAPI = "https://api.bilibili.com/x/series/archives"
)

// bilibiliEnvelope is the common {code, message, data} wrapper.
type bilibiliEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *bilibiliEnvelope) unwrap(out any) error {
	if e.Code != 0 {
		return fmt.Errorf("api error code %d: %s", e.Code, e.Message)
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func attachCookies(req *http.Request, acct *account.Account) {
	if acct != nil && acct.Cookies() != "" {
		req.Header.Set("Cookie", acct.Cookies())
	}
}

// bilibiliLive reports the streaming state of one user's live room.
type bilibiliLive struct {
	uid    int64
	acct   *account.Account
	client *http.Client
	log    logx.Logger
	api    string
}

type liveRoom struct {
	Title         string `json:"title"`
	RoomID        int64  `json:"room_id"`
	LiveStatus    int    `json:"live_status"`
	Uname         string `json:"uname"`
	CoverFromUser string `json:"cover_from_user"`
	LiveTime      int64  `json:"live_time"`
}

func (f *bilibiliLive) Platform() string { return config.PlatformBilibiliLive }

func (f *bilibiliLive) Fetch(ctx context.Context) (snapshot.Snapshot, error) {
	reqBody, err := json.Marshal(map[string]any{"uids": []int64{f.uid}})
	if err != nil {
		return snapshot.Snapshot{}, err
	}

	var env bilibiliEnvelope
	err = doJSON(ctx, f.client, f.log, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.api, bytes.NewReader(reqBody))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		attachCookies(req, f.acct)
		return req, nil
	}, &env)
	if err != nil {
		return snapshot.Snapshot{}, err
	}

	// Data is keyed by uid; exactly one entry is expected for our request.
	var rooms map[string]liveRoom
	if err := env.unwrap(&rooms); err != nil {
		return snapshot.Snapshot{}, err
	}
	room, ok := rooms[fmt.Sprint(f.uid)]
	if !ok {
		return snapshot.Snapshot{}, fmt.Errorf("uid %d missing from live status response", f.uid)
	}
	return liveRoomSnapshot(room, time.Now()), nil
}

func liveRoomSnapshot(room liveRoom, now time.Time) snapshot.Snapshot {
	live := &snapshot.LiveStatus{
		Online:   room.LiveStatus == 1,
		Title:    room.Title,
		Streamer: room.Uname,
		CoverURL: room.CoverFromUser,
		LiveURL:  fmt.Sprintf("https://live.bilibili.com/%d", room.RoomID),
	}
	if live.Online && room.LiveTime > 0 {
		live.StartedAt = time.Unix(room.LiveTime, 0)
	}
	return snapshot.Snapshot{Kind: snapshot.KindLive, Live: live, FetchedAt: now}
}

// bilibiliSpace polls a user's dynamic feed.
type bilibiliSpace struct {
	uid    int64
	acct   *account.Account
	client *http.Client
	log    logx.Logger
	api    string
}

type spaceFeed struct {
	Items []spaceItem `json:"items"`
}

type spaceItem struct {
	IDStr   string `json:"id_str"`
	Modules struct {
		Author struct {
			Name  string `json:"name"`
			PubTs int64  `json:"pub_ts"`
		} `json:"module_author"`
		Dynamic struct {
			Desc *struct {
				Text string `json:"text"`
			} `json:"desc"`
			Major *struct {
				Type string `json:"type"`
				Opus *struct {
					Title   *string `json:"title"`
					Summary struct {
						Text string `json:"text"`
					} `json:"summary"`
				} `json:"opus"`
				Archive *struct {
					Archive struct {
						Bvid  string `json:"bvid"`
						Title string `json:"title"`
					} `json:"archive"`
				} `json:"archive"`
				Article *struct {
					Article struct {
						ID    int64  `json:"id"`
						Title string `json:"title"`
					} `json:"article"`
				} `json:"article"`
			} `json:"major"`
		} `json:"module_dynamic"`
	} `json:"modules"`
}

func (f *bilibiliSpace) Platform() string { return config.PlatformBilibiliSpace }

func (f *bilibiliSpace) Fetch(ctx context.Context) (snapshot.Snapshot, error) {
	var env bilibiliEnvelope
	err := doJSON(ctx, f.client, f.log, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s?host_mid=%d", f.api, f.uid), http.NoBody)
		if err != nil {
			return nil, err
		}
		attachCookies(req, f.acct)
		return req, nil
	}, &env)
	if err != nil {
		return snapshot.Snapshot{}, err
	}

	var feed spaceFeed
	if err := env.unwrap(&feed); err != nil {
		return snapshot.Snapshot{}, err
	}
	return spaceSnapshot(feed, time.Now()), nil
}

func spaceSnapshot(feed spaceFeed, now time.Time) snapshot.Snapshot {
	items := make([]snapshot.FeedItem, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it.IDStr == "" {
			continue
		}
		major := it.Modules.Dynamic.Major
		// Live recommendation cards describe streaming state, which the
		// live source already covers.
		if major != nil && major.Type == "MAJOR_TYPE_LIVE_RCMD" {
			continue
		}

		item := snapshot.FeedItem{
			ID:     it.IDStr,
			Author: it.Modules.Author.Name,
			URL:    "https://www.bilibili.com/opus/" + it.IDStr,
		}
		if ts := it.Modules.Author.PubTs; ts > 0 {
			item.PublishedAt = time.Unix(ts, 0)
		}
		if desc := it.Modules.Dynamic.Desc; desc != nil {
			item.Text = desc.Text
		}
		if major != nil {
			switch {
			case major.Opus != nil:
				if major.Opus.Title != nil {
					item.Title = *major.Opus.Title
				}
				if item.Text == "" {
					item.Text = major.Opus.Summary.Text
				}
			case major.Archive != nil:
				item.Title = major.Archive.Archive.Title
				item.URL = "https://www.bilibili.com/video/" + major.Archive.Archive.Bvid
			case major.Article != nil:
				item.Title = major.Article.Article.Title
				item.URL = fmt.Sprintf("https://www.bilibili.com/read/cv%d", major.Article.Article.ID)
			}
		}
		if item.Title == "" {
			item.Title = firstLine(item.Text)
		}
		items = append(items, item)
	}
	return snapshot.Snapshot{
		Kind:      snapshot.KindFeed,
		Feed:      &snapshot.FeedState{Items: items},
		FetchedAt: now,
	}
}

// bilibiliVideo polls a video series (collection) of one uploader.
type bilibiliVideo struct {
	uid      int64
	seriesID int64
	acct     *account.Account
	client   *http.Client
	log      logx.Logger
	api      string
}

type seriesArchives struct {
	Archives []struct {
		Aid     int64  `json:"aid"`
		Bvid    string `json:"bvid"`
		Title   string `json:"title"`
		Pic     string `json:"pic"`
		Pubdate int64  `json:"pubdate"`
	} `json:"archives"`
}

func (f *bilibiliVideo) Platform() string { return config.PlatformBilibiliVideo }

func (f *bilibiliVideo) Fetch(ctx context.Context) (snapshot.Snapshot, error) {
	var env bilibiliEnvelope
	err := doJSON(ctx, f.client, f.log, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s?mid=%d&series_id=%d", f.api, f.uid, f.seriesID), http.NoBody)
		if err != nil {
			return nil, err
		}
		attachCookies(req, f.acct)
		return req, nil
	}, &env)
	if err != nil {
		return snapshot.Snapshot{}, err
	}

	var series seriesArchives
	if err := env.unwrap(&series); err != nil {
		return snapshot.Snapshot{}, err
	}

	items := make([]snapshot.FeedItem, 0, len(series.Archives))
	for _, a := range series.Archives {
		item := snapshot.FeedItem{
			ID:    a.Bvid,
			Title: a.Title,
			URL:   "https://www.bilibili.com/video/" + a.Bvid,
		}
		if a.Bvid == "" {
			item.ID = fmt.Sprintf("av%d", a.Aid)
		}
		if a.Pubdate > 0 {
			item.PublishedAt = time.Unix(a.Pubdate, 0)
		}
		items = append(items, item)
	}
	return snapshot.Snapshot{
		Kind:      snapshot.KindFeed,
		Feed:      &snapshot.FeedState{Items: items},
		FetchedAt: time.Now(),
	}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 80
	if r := []rune(s); len(r) > max {
		s = string(r[:max])
	}
	return s
}
