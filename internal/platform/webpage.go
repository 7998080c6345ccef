package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"

	"subwatch/internal/config"
	"subwatch/internal/snapshot"
	"subwatch/pkg/logx"
)

// webpage watches an arbitrary HTML page with CSS selectors. It is the escape
// hatch for sites without a usable API.
type webpage struct {
	spec   config.PlatformSpec
	client *http.Client
	log    logx.Logger
}

func (f *webpage) Platform() string { return config.PlatformWebpage }

func (f *webpage) Fetch(ctx context.Context) (snapshot.Snapshot, error) {
	var doc *goquery.Document
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.spec.URL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("User-Agent", userAgent)

			resp, err := f.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			switch {
			case resp.StatusCode == http.StatusOK:
			case resp.StatusCode == http.StatusTooManyRequests,
				resp.StatusCode >= http.StatusInternalServerError:
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			default:
				return retry.Unrecoverable(fmt.Errorf("HTTP %d", resp.StatusCode))
			}
			doc, err = goquery.NewDocumentFromReader(resp.Body)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("parse html: %w", err))
			}
			return nil
		},
		retry.Attempts(4),
		retry.Delay(time.Second),
		retry.MaxDelay(15*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			f.log.Warn("retrying page fetch", logx.Int("attempt", int(n)+1), logx.Err(err))
		}),
	)
	if err != nil {
		return snapshot.Snapshot{}, err
	}

	items, err := f.parseItems(doc)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	return snapshot.Snapshot{
		Kind:      snapshot.KindFeed,
		Feed:      &snapshot.FeedState{Items: items},
		FetchedAt: time.Now(),
	}, nil
}

func (f *webpage) parseItems(doc *goquery.Document) ([]snapshot.FeedItem, error) {
	base, err := url.Parse(f.spec.URL)
	if err != nil {
		return nil, err
	}
	idAttr := f.spec.IDAttr
	if idAttr == "" {
		idAttr = "id"
	}

	var items []snapshot.FeedItem
	doc.Find(f.spec.ItemSelector).Each(func(_ int, sel *goquery.Selection) {
		id, ok := sel.Attr(idAttr)
		if !ok || strings.TrimSpace(id) == "" {
			return
		}
		item := snapshot.FeedItem{ID: strings.TrimSpace(id), URL: f.spec.URL}

		if f.spec.TitleSelector != "" {
			item.Title = strings.TrimSpace(sel.Find(f.spec.TitleSelector).First().Text())
		} else {
			item.Title = firstLine(sel.Text())
		}
		if f.spec.LinkSelector != "" {
			if href, ok := sel.Find(f.spec.LinkSelector).First().Attr("href"); ok {
				if u, err := base.Parse(href); err == nil {
					item.URL = u.String()
				}
			}
		}
		items = append(items, item)
	})
	if len(items) == 0 && doc.Find(f.spec.ItemSelector).Length() > 0 {
		return nil, fmt.Errorf("no item matched by %q carries attribute %q", f.spec.ItemSelector, idAttr)
	}
	return items, nil
}
