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
	rightDefaultBase = "https://www.right.com.cn/forum/"
	rightSignPath    = "plugin.php?id=erling_qd:action&action=sign&inajax=1"
)

var (
	rightFormhashRe = regexp.MustCompile(`formhash=([a-z0-9]+)`)

	rightCreditRes = []*regexp.Regexp{
		regexp.MustCompile(`今日积分[:：]\s*(\d+)`),
		regexp.MustCompile(`今日获得\s*(\d+)\s*积分`),
		regexp.MustCompile(`获得\s*(\d+)\s*积分`),
	}
	rightStreakRes = []*regexp.Regexp{
		regexp.MustCompile(`连续签到[:：]\s*(\d+)\s*天`),
		regexp.MustCompile(`已连续签到\s*(\d+)\s*天`),
	}
	rightTotalRes = []*regexp.Regexp{
		regexp.MustCompile(`总签到天数[:：]\s*(\d+)\s*天`),
		regexp.MustCompile(`累计签到\s*(\d+)\s*天`),
	}
)

// Right drives the erling_qd sign-in plugin of a Discuz forum. The default
// endpoint is right.com.cn; base_url redirects it to any forum running the
// same plugin.
type Right struct{}

func NewRight() *Right { return &Right{} }

func (*Right) Key() string           { return "right" }
func (*Right) DefaultDomain() string { return "right.com.cn" }

func (*Right) CheckIn(ctx context.Context, s *site.Session) site.Outcome {
	base := rightBase(s)

	// First visit refreshes the anti-bot session, second one carries the
	// formhash the sign endpoint requires.
	if _, _, err := s.Get(ctx, base, nil); err != nil {
		return site.Failure(fmt.Sprintf("warm-up request: %v", err), true)
	}
	status, body, err := s.Get(ctx, base, nil)
	if err != nil {
		return site.Failure(fmt.Sprintf("load forum page: %v", err), true)
	}
	if status >= http.StatusInternalServerError {
		return site.Failure(fmt.Sprintf("forum page returned http %d", status), true)
	}

	m := rightFormhashRe.FindSubmatch(body)
	if m == nil {
		return site.ExpiredCredential("formhash not present, session rejected")
	}
	formhash := string(m[1])

	form := url.Values{
		"formhash": {formhash},
		"qdxq":     {"kx"},
		"qdmode":   {"1"},
		"todaysay": {"Good Day"},
	}
	headers := map[string]string{
		"Referer":          base,
		"X-Requested-With": "XMLHttpRequest",
	}
	status, body, err = s.PostForm(ctx, base+rightSignPath, form, headers)
	if err != nil {
		return site.Failure(fmt.Sprintf("sign request: %v", err), true)
	}
	if status >= http.StatusInternalServerError {
		return site.Failure(fmt.Sprintf("sign endpoint returned http %d", status), true)
	}
	return site.Success(rightSummary(body))
}

// Probe reloads the forum page and checks the session still yields a
// formhash.
func (*Right) Probe(ctx context.Context, s *site.Session) error {
	status, body, err := s.Get(ctx, rightBase(s), nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("forum page returned http %d", status)
	}
	if !rightFormhashRe.Match(body) {
		return errors.New("formhash not present, session rejected")
	}
	return nil
}

func rightBase(s *site.Session) string {
	base := s.BaseOr(rightDefaultBase)
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

// rightSummary turns the sign response into a result line. The plugin
// answers either with JSON or with an HTML fragment; both carry the same
// counters.
func rightSummary(body []byte) string {
	var res struct {
		Success        bool   `json:"success"`
		Message        string `json:"message"`
		Credit         any    `json:"credit"`
		ContinuousDays any    `json:"continuous_days"`
		TotalDays      any    `json:"total_days"`
	}
	if err := site.DecodeJSON(body, &res); err == nil {
		status := "checked in"
		switch {
		case res.Success || strings.Contains(res.Message, "成功"):
		case strings.Contains(res.Message, "已经") || strings.Contains(res.Message, "已签"):
			status = "already checked in today"
		case res.Message != "":
			status = res.Message
		}
		parts := []string{status}
		if v := looseString(res.Credit); v != "" {
			parts = append(parts, "points today: "+v)
		}
		if v := looseString(res.ContinuousDays); v != "" {
			parts = append(parts, "streak: "+v+" days")
		}
		if v := looseString(res.TotalDays); v != "" {
			parts = append(parts, "total: "+v+" days")
		}
		return strings.Join(parts, ", ")
	}

	text := string(body)
	status := "checked in"
	if strings.Contains(text, "已经") || strings.Contains(text, "已签") {
		status = "already checked in today"
	}
	parts := []string{status}
	if v := firstGroup(text, rightCreditRes); v != "" {
		parts = append(parts, "points today: "+v)
	}
	if v := firstGroup(text, rightStreakRes); v != "" {
		parts = append(parts, "streak: "+v+" days")
	}
	if v := firstGroup(text, rightTotalRes); v != "" {
		parts = append(parts, "total: "+v+" days")
	}
	return strings.Join(parts, ", ")
}

func firstGroup(text string, res []*regexp.Regexp) string {
	for _, re := range res {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}
