package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/FrancisNGG/app-sign/internal/site"
)

const (
	smzdmAPIBase   = "https://api.smzdm.com"
	smzdmUserAgent = "smzdm_android_V8.7.8 rv:456 (Nexus 5;Android6.0.1;zh)smzdmapp"

	// smzdmInvalidCookie is the error_code family the API answers with
	// when the session cookie is no longer accepted.
	smzdmInvalidCookie = "11111"
)

// Smzdm checks in through the mobile app API, which wants an Android app
// user agent and a millisecond timestamp on every call.
type Smzdm struct {
	now func() time.Time
}

func NewSmzdm() *Smzdm { return &Smzdm{now: time.Now} }

func (*Smzdm) Key() string           { return "smzdm" }
func (*Smzdm) DefaultDomain() string { return "smzdm.com" }

type smzdmResponse struct {
	ErrorCode any    `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
	Data      struct {
		SmzdmID any `json:"smzdm_id"`
		Checkin struct {
			DailyAttendanceNumber any `json:"daily_attendance_number"`
		} `json:"checkin"`
	} `json:"data"`
}

func (a *Smzdm) CheckIn(ctx context.Context, s *site.Session) site.Outcome {
	api := s.BaseOr(smzdmAPIBase)
	headers := map[string]string{"User-Agent": smzdmUserAgent}

	form := url.Values{
		"weixin":  {"1"},
		"captcha": {""},
		"f":       {"android"},
		"v":       {"8.7.8"},
		"time":    {strconv.FormatInt(a.now().UnixMilli(), 10)},
	}
	status, body, err := s.PostForm(ctx, api+"/v1/user/checkin", form, headers)
	if err != nil {
		return site.Failure(fmt.Sprintf("checkin request: %v", err), true)
	}
	if status >= http.StatusInternalServerError {
		return site.Failure(fmt.Sprintf("checkin returned http %d", status), true)
	}

	var res smzdmResponse
	if err := site.DecodeJSON(body, &res); err != nil {
		return site.Failure(fmt.Sprintf("checkin response unreadable: %v", err), true)
	}

	code := looseString(res.ErrorCode)
	switch {
	case code == "0":
		return site.Success(smzdmWithStreak(ctx, a, s, api, headers, "checked in"))
	case strings.Contains(code, smzdmInvalidCookie):
		return site.ExpiredCredential("cookie rejected (error_code " + code + ")")
	}

	// Non-zero codes outside the invalid-cookie family usually mean the
	// day is already covered; the API words it many ways.
	msg := res.ErrorMsg
	if strings.Contains(msg, "已") || strings.Contains(msg, "完成") || strings.Contains(msg, "重复") {
		return site.Success(smzdmWithStreak(ctx, a, s, api, headers, "already checked in today"))
	}
	if msg == "" {
		msg = "error_code " + code
	}
	return site.Success(smzdmWithStreak(ctx, a, s, api, headers, "checked in: "+msg))
}

// Probe asks the account info endpoint whether the session is accepted.
func (a *Smzdm) Probe(ctx context.Context, s *site.Session) error {
	api := s.BaseOr(smzdmAPIBase)
	res, err := a.userInfo(ctx, s, api, map[string]string{"User-Agent": smzdmUserAgent})
	if err != nil {
		return err
	}
	if code := looseString(res.ErrorCode); code != "0" {
		return errors.New("session rejected (error_code " + code + ")")
	}
	return nil
}

func (a *Smzdm) userInfo(ctx context.Context, s *site.Session, api string, headers map[string]string) (*smzdmResponse, error) {
	form := url.Values{
		"weixin": {"1"},
		"f":      {"android"},
		"v":      {"8.7.8"},
		"time":   {strconv.FormatInt(a.now().UnixMilli(), 10)},
	}
	status, body, err := s.PostForm(ctx, api+"/v1/user/info", form, headers)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("user info returned http %d", status)
	}
	var res smzdmResponse
	if err := site.DecodeJSON(body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// smzdmWithStreak appends the attendance streak to the result when the
// account info endpoint is reachable.
func smzdmWithStreak(ctx context.Context, a *Smzdm, s *site.Session, api string, headers map[string]string, base string) string {
	res, err := a.userInfo(ctx, s, api, headers)
	if err != nil || looseString(res.ErrorCode) != "0" {
		return base
	}
	if days := looseString(res.Data.Checkin.DailyAttendanceNumber); days != "" {
		return base + ", streak: " + days + " days"
	}
	return base
}
