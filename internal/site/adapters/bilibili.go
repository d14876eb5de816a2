package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/FrancisNGG/app-sign/internal/site"
)

const (
	biliAPIBase    = "https://api.bilibili.com"
	biliMangaBase  = "https://manga.bilibili.com"
	biliReferer    = "https://www.bilibili.com/"
	biliFallbackBV = "BV1xx411c7mD"
)

var biliBVRe = regexp.MustCompile(`BV[A-Za-z0-9]{10}`)

// Bilibili completes the daily experience tasks: share a video, report a
// watch heartbeat, clock in on the manga side, then collect account status
// for the result message. Any one completed task counts the day as done.
type Bilibili struct{}

func NewBilibili() *Bilibili { return &Bilibili{} }

func (*Bilibili) Key() string           { return "bilibili" }
func (*Bilibili) DefaultDomain() string { return "bilibili.com" }

func (*Bilibili) CheckIn(ctx context.Context, s *site.Session) site.Outcome {
	api := s.BaseOr(biliAPIBase)
	manga := biliMangaBase
	if s.BaseURL != "" {
		manga = s.BaseURL
	}
	headers := map[string]string{"Referer": biliReferer}

	csrf, ok := s.CookieValue("bili_jct")
	if !ok || csrf == "" {
		return site.ExpiredCredential("bili_jct cookie missing")
	}

	bvid := biliPickVideo(ctx, s, api, headers)

	var tasks, details []string
	done := 0

	// Share.
	form := url.Values{"bvid": {bvid}, "csrf": {csrf}}
	status, body, err := s.PostForm(ctx, api+"/x/web-interface/share/add", form, headers)
	if err == nil && status == http.StatusOK {
		var res struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if site.DecodeJSON(body, &res) == nil && res.Code == 0 {
			tasks = append(tasks, "share ok")
			done++
		} else {
			tasks = append(tasks, "share failed: "+res.Message)
		}
	} else {
		tasks = append(tasks, "share failed")
	}

	// Watch heartbeat.
	form = url.Values{"bvid": {bvid}, "csrf": {csrf}, "played_time": {"2"}}
	status, _, err = s.PostForm(ctx, api+"/x/click-interface/web/heartbeat", form, headers)
	if err == nil && status == http.StatusOK {
		tasks = append(tasks, "watch ok")
		done++
	} else {
		tasks = append(tasks, "watch failed")
	}

	// Manga clock-in. A duplicate answer still means the day is covered.
	form = url.Values{"platform": {"ios"}}
	status, body, err = s.PostForm(ctx, manga+"/twirp/activity.v1.Activity/ClockIn", form, headers)
	if err == nil && status == http.StatusOK {
		text := string(body)
		if strings.Contains(text, "duplicate") {
			tasks = append(tasks, "manga already done")
		} else {
			tasks = append(tasks, "manga ok")
		}
		done++
	} else {
		tasks = append(tasks, "manga failed")
	}

	if info := biliAccountStatus(ctx, s, api, headers); info != "" {
		details = append(details, info)
	}
	if coupons := biliMangaCoupons(ctx, s, manga, headers); coupons != "" {
		details = append(details, coupons)
	}

	summary := strings.Join(tasks, ", ")
	if len(details) > 0 {
		summary += "; " + strings.Join(details, ", ")
	}
	if done == 0 {
		return site.Failure("all tasks failed: "+summary, true)
	}
	return site.Success(summary)
}

// Probe hits the nav endpoint, which reports the login state of the session
// cookie directly.
func (*Bilibili) Probe(ctx context.Context, s *site.Session) error {
	api := s.BaseOr(biliAPIBase)
	status, body, err := s.Get(ctx, api+"/x/web-interface/nav", map[string]string{"Referer": biliReferer})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("nav returned http %d", status)
	}
	var res struct {
		Code int `json:"code"`
		Data struct {
			IsLogin bool `json:"isLogin"`
		} `json:"data"`
	}
	if err := site.DecodeJSON(body, &res); err != nil {
		return err
	}
	if res.Code != 0 || !res.Data.IsLogin {
		return errors.New("session not logged in")
	}
	return nil
}

// biliPickVideo grabs a current video id from the knowledge region listing,
// falling back to a known id when the listing is unavailable.
func biliPickVideo(ctx context.Context, s *site.Session, api string, headers map[string]string) string {
	status, body, err := s.Get(ctx, api+"/x/web-interface/dynamic/region?pn=1&ps=12&rid=129", headers)
	if err != nil || status != http.StatusOK {
		return biliFallbackBV
	}
	if m := biliBVRe.Find(body); m != nil {
		return string(m)
	}
	return biliFallbackBV
}

func biliAccountStatus(ctx context.Context, s *site.Session, api string, headers map[string]string) string {
	status, body, err := s.Get(ctx, api+"/x/web-interface/nav", headers)
	if err != nil || status != http.StatusOK {
		return ""
	}
	var res struct {
		Code int `json:"code"`
		Data struct {
			Uname     string  `json:"uname"`
			Money     float64 `json:"money"`
			LevelInfo struct {
				CurrentLevel int `json:"current_level"`
				CurrentExp   int `json:"current_exp"`
			} `json:"level_info"`
		} `json:"data"`
	}
	if site.DecodeJSON(body, &res) != nil || res.Code != 0 {
		return ""
	}
	return fmt.Sprintf("user %s Lv.%d exp %d coins %s",
		res.Data.Uname,
		res.Data.LevelInfo.CurrentLevel,
		res.Data.LevelInfo.CurrentExp,
		looseString(res.Data.Money),
	)
}

func biliMangaCoupons(ctx context.Context, s *site.Session, manga string, headers map[string]string) string {
	payload := map[string]any{
		"notExpired": true,
		"pageNum":    1,
		"pageSize":   20,
		"tabType":    1,
		"type":       0,
	}
	status, body, err := s.PostJSON(ctx, manga+"/twirp/user.v1.User/GetCoupons", payload, headers)
	if err != nil || status != http.StatusOK {
		return ""
	}
	var res struct {
		Data struct {
			TotalRemainAmount any `json:"total_remain_amount"`
		} `json:"data"`
	}
	if site.DecodeJSON(body, &res) != nil {
		return ""
	}
	if v := looseString(res.Data.TotalRemainAmount); v != "" {
		return "manga coupons: " + v
	}
	return ""
}
