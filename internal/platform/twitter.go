package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"subwatch/internal/account"
	"subwatch/internal/config"
	"subwatch/internal/snapshot"
	"subwatch/pkg/logx"
)

// Public web client token, same for every logged-in browser session.
const twitterBearer = "AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA"

const (
	twitterUserByScreenNameAPI = "https://x.com/i/api/graphql/xmU6X_CKVnQ5lSrCbAmJsg/UserByScreenName"
	twitterUserTweetsAPI       = "https://x.com/i/api/graphql/V7H0Ap3_Hh2FyS75OCDO3Q/UserTweets"

	userByScreenNameFeatures = `{"hidden_profile_subscriptions_enabled":true,"rweb_tipjar_consumption_enabled":true,"responsive_web_graphql_exclude_directive_enabled":true,"verified_phone_label_enabled":false,"subscriptions_verification_info_is_identity_verified_enabled":true,"subscriptions_verification_info_verified_since_enabled":true,"highlights_tweets_tab_ui_enabled":true,"responsive_web_twitter_article_notes_tab_enabled":true,"subscriptions_feature_can_gift_premium":false,"creator_subscriptions_tweet_preview_api_enabled":true,"responsive_web_graphql_skip_user_profile_image_extensions_enabled":false,"responsive_web_graphql_timeline_navigation_enabled":true}`
	userTweetsFeatures       = `{"rweb_tipjar_consumption_enabled":true,"responsive_web_graphql_exclude_directive_enabled":true,"verified_phone_label_enabled":false,"creator_subscriptions_tweet_preview_api_enabled":true,"responsive_web_graphql_timeline_navigation_enabled":true,"responsive_web_graphql_skip_user_profile_image_extensions_enabled":false,"communities_web_enable_tweet_community_results_fetch":true,"c9s_tweet_anatomy_moderator_badge_enabled":true,"articles_preview_enabled":true,"tweetypie_unmention_optimization_enabled":true,"responsive_web_edit_tweet_api_enabled":true,"graphql_is_translatable_rweb_tweet_is_translatable_enabled":true,"view_counts_everywhere_api_enabled":true,"longform_notetweets_consumption_enabled":true,"responsive_web_twitter_article_tweet_consumption_enabled":true,"tweet_awards_web_tipping_enabled":false,"creator_subscriptions_quote_tweet_preview_enabled":false,"freedom_of_speech_not_reach_fetch_enabled":true,"standardized_nudges_misinfo":true,"tweet_with_visibility_results_prefer_gql_limited_actions_policy_enabled":true,"rweb_video_timestamps_enabled":true,"longform_notetweets_rich_text_read_enabled":true,"longform_notetweets_inline_media_enabled":true,"responsive_web_enhance_cards_enabled":false}`
)

// tweetTimeLayout is the legacy created_at format.
const tweetTimeLayout = "Mon Jan 02 15:04:05 -0700 2006"

type twitter struct {
	username string
	acct     *account.Account
	client   *http.Client
	log      logx.Logger

	userAPI   string
	tweetsAPI string

	// rest_id resolved from the username on first use.
	userID string
}

func newTwitter(username string, acct *account.Account, client *http.Client, log logx.Logger) *twitter {
	return &twitter{
		username:  username,
		acct:      acct,
		client:    client,
		log:       log.With(logx.String("username", username)),
		userAPI:   twitterUserByScreenNameAPI,
		tweetsAPI: twitterUserTweetsAPI,
	}
}

func (f *twitter) Platform() string { return config.PlatformTwitter }

// ct0FromCookies extracts the csrf token twitter requires to be echoed in the
// x-csrf-token header.
func ct0FromCookies(cookies string) (string, error) {
	for _, c := range strings.Split(cookies, ";") {
		c = strings.TrimSpace(c)
		if v, ok := strings.CutPrefix(c, "ct0="); ok && v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("cookie %q not found", "ct0")
}

func (f *twitter) get(ctx context.Context, rawURL string, out any) error {
	cookies := f.acct.Cookies()
	ct0, err := ct0FromCookies(cookies)
	if err != nil {
		return err
	}
	return doJSON(ctx, f.client, f.log, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+twitterBearer)
		req.Header.Set("Cookie", cookies)
		req.Header.Set("x-csrf-token", ct0)
		return req, nil
	}, out)
}

type userByScreenNameResponse struct {
	Data struct {
		User struct {
			Result struct {
				RestID string `json:"rest_id"`
			} `json:"result"`
		} `json:"user"`
	} `json:"data"`
}

func (f *twitter) resolveUserID(ctx context.Context) (string, error) {
	if f.userID != "" {
		return f.userID, nil
	}
	variables := fmt.Sprintf(`{"screen_name":%q,"withSafetyModeUserFields":true}`, f.username)
	rawURL := f.userAPI + "?variables=" + url.QueryEscape(variables) +
		"&features=" + url.QueryEscape(userByScreenNameFeatures) +
		"&fieldToggles=" + url.QueryEscape(`{"withAuxiliaryUserLabels":false}`)

	var resp userByScreenNameResponse
	if err := f.get(ctx, rawURL, &resp); err != nil {
		return "", fmt.Errorf("resolve user %q: %w", f.username, err)
	}
	id := resp.Data.User.Result.RestID
	if id == "" {
		return "", fmt.Errorf("user %q not found", f.username)
	}
	f.userID = id
	f.log.Debug("resolved twitter user", logx.String("user_id", id))
	return id, nil
}

type userTweetsResponse struct {
	Data struct {
		User struct {
			Result struct {
				TimelineV2 struct {
					Timeline struct {
						Instructions []timelineInstruction `json:"instructions"`
					} `json:"timeline"`
				} `json:"timeline_v2"`
			} `json:"result"`
		} `json:"user"`
	} `json:"data"`
}

type timelineInstruction struct {
	Type    string          `json:"type"`
	Entries []timelineEntry `json:"entries"`
}

type timelineEntry struct {
	EntryID string `json:"entryId"`
	Content struct {
		EntryType   string            `json:"entryType"`
		ItemContent *timelineItem     `json:"itemContent"`
		Items       []timelineModItem `json:"items"`
	} `json:"content"`
}

type timelineModItem struct {
	Item struct {
		ItemContent *timelineItem `json:"itemContent"`
	} `json:"item"`
}

type timelineItem struct {
	ItemType     string `json:"itemType"`
	TweetResults struct {
		Result *tweetResult `json:"result"`
	} `json:"tweet_results"`
}

// tweetResult is either the tweet itself or a TweetWithVisibilityResults
// wrapper around it.
type tweetResult struct {
	TypeName string       `json:"__typename"`
	Tweet    *tweetResult `json:"tweet"`

	RestID string `json:"rest_id"`
	Core   struct {
		UserResults struct {
			Result struct {
				Legacy struct {
					Name       string `json:"name"`
					ScreenName string `json:"screen_name"`
				} `json:"legacy"`
			} `json:"result"`
		} `json:"user_results"`
	} `json:"core"`
	Legacy struct {
		FullText  string `json:"full_text"`
		CreatedAt string `json:"created_at"`
	} `json:"legacy"`
}

func (r *tweetResult) inner() *tweetResult {
	if r.Tweet != nil {
		return r.Tweet
	}
	return r
}

func (f *twitter) Fetch(ctx context.Context) (snapshot.Snapshot, error) {
	userID, err := f.resolveUserID(ctx)
	if err != nil {
		return snapshot.Snapshot{}, err
	}

	variables := fmt.Sprintf(`{"userId":%q,"count":20,"includePromotedContent":true,"withQuickPromoteEligibilityTweetFields":true,"withVoice":true,"withV2Timeline":true}`, userID)
	rawURL := f.tweetsAPI + "?variables=" + url.QueryEscape(variables) +
		"&features=" + url.QueryEscape(userTweetsFeatures) +
		"&fieldToggles=" + url.QueryEscape(`{"withArticlePlainText":false}`)

	var resp userTweetsResponse
	if err := f.get(ctx, rawURL, &resp); err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("fetch tweets of %q: %w", f.username, err)
	}
	return tweetsSnapshot(resp, time.Now()), nil
}

func tweetsSnapshot(resp userTweetsResponse, now time.Time) snapshot.Snapshot {
	var items []snapshot.FeedItem
	for _, ins := range resp.Data.User.Result.TimelineV2.Timeline.Instructions {
		if ins.Type != "TimelineAddEntries" {
			continue
		}
		for _, entry := range ins.Entries {
			switch entry.Content.EntryType {
			case "TimelineTimelineItem":
				if item, ok := tweetItem(entry.Content.ItemContent); ok {
					items = append(items, item)
				}
			case "TimelineTimelineModule":
				// Self-threads arrive as modules of tweet items.
				for _, mod := range entry.Content.Items {
					if item, ok := tweetItem(mod.Item.ItemContent); ok {
						items = append(items, item)
					}
				}
			}
		}
	}
	return snapshot.Snapshot{
		Kind:      snapshot.KindFeed,
		Feed:      &snapshot.FeedState{Items: items},
		FetchedAt: now,
	}
}

func tweetItem(ic *timelineItem) (snapshot.FeedItem, bool) {
	if ic == nil || ic.ItemType != "TimelineTweet" || ic.TweetResults.Result == nil {
		return snapshot.FeedItem{}, false
	}
	tweet := ic.TweetResults.Result.inner()
	if tweet.RestID == "" {
		return snapshot.FeedItem{}, false
	}
	screenName := tweet.Core.UserResults.Result.Legacy.ScreenName
	item := snapshot.FeedItem{
		ID:     tweet.RestID,
		Text:   tweet.Legacy.FullText,
		Author: tweet.Core.UserResults.Result.Legacy.Name,
		URL:    fmt.Sprintf("https://x.com/%s/status/%s", screenName, tweet.RestID),
	}
	if t, err := time.Parse(tweetTimeLayout, tweet.Legacy.CreatedAt); err == nil {
		item.PublishedAt = t
	}
	return item, true
}
