package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/FrancisNGG/app-sign/internal/site"
)

const tiebaDefaultBase = "https://tieba.baidu.com"

var (
	tiebaLastPageRe = regexp.MustCompile(`&pn=(\d+)">尾页</a>`)
	tiebaForumRe    = regexp.MustCompile(`href="/f\?kw=[^"]+"\s+title="([^"]+)"`)
)

// Tieba signs every followed forum of the account: it walks the paginated
// follow list, then posts one sign request per forum. The day counts as
// done when at least one forum was signed or already carried a signature.
type Tieba struct{}

func NewTieba() *Tieba { return &Tieba{} }

func (*Tieba) Key() string           { return "tieba" }
func (*Tieba) DefaultDomain() string { return "tieba.baidu.com" }

func (*Tieba) CheckIn(ctx context.Context, s *site.Session) site.Outcome {
	base := strings.TrimSuffix(s.BaseOr(tiebaDefaultBase), "/")
	headers := map[string]string{"Referer": base + "/"}

	status, body, err := s.Get(ctx, base+"/f/user/json_userinfo", headers)
	if err != nil {
		return site.Failure(fmt.Sprintf("verify session: %v", err), true)
	}
	if status != http.StatusOK {
		return site.Failure(fmt.Sprintf("user info returned http %d", status), true)
	}
	if !strings.Contains(string(body), "session_id") {
		return site.ExpiredCredential("user info response carries no session")
	}

	forums, err := tiebaFollowedForums(ctx, s, base, headers)
	if err != nil {
		return site.Failure(err.Error(), true)
	}
	if len(forums) == 0 {
		return site.Failure("no followed forums found", true)
	}

	signHeaders := map[string]string{
		"Referer":          base + "/",
		"Content-Type":     "application/x-www-form-urlencoded; charset=UTF-8",
		"X-Requested-With": "XMLHttpRequest",
		"Origin":           base,
	}
	var signed, already, failed []string
	for _, forum := range forums {
		switch tiebaSignOne(ctx, s, base, signHeaders, forum) {
		case tiebaSigned:
			signed = append(signed, forum)
		case tiebaAlready:
			already = append(already, forum)
		default:
			failed = append(failed, forum)
		}
	}

	summary := fmt.Sprintf("signed %d, already %d, failed %d of %d forums",
		len(signed), len(already), len(failed), len(forums))
	if names := tiebaNameList(signed); names != "" {
		summary += "; new: " + names
	}
	if len(signed) == 0 && len(already) == 0 {
		return site.Failure(summary, true)
	}
	return site.Success(summary)
}

// Probe verifies the session cookie against the user info endpoint.
func (*Tieba) Probe(ctx context.Context, s *site.Session) error {
	base := strings.TrimSuffix(s.BaseOr(tiebaDefaultBase), "/")
	status, body, err := s.Get(ctx, base+"/f/user/json_userinfo", map[string]string{"Referer": base + "/"})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("user info returned http %d", status)
	}
	if !strings.Contains(string(body), "session_id") {
		return errors.New("user info response carries no session")
	}
	return nil
}

// tiebaFollowedForums walks the paginated follow list and collects forum
// names. The page count comes from the last-page link on page one.
func tiebaFollowedForums(ctx context.Context, s *site.Session, base string, headers map[string]string) ([]string, error) {
	status, body, err := s.Get(ctx, base+"/f/like/mylike?pn=1", headers)
	if err != nil {
		return nil, fmt.Errorf("load forum list: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("forum list returned http %d", status)
	}

	totalPages := 1
	if m := tiebaLastPageRe.FindSubmatch(body); m != nil {
		if n, err := strconv.Atoi(string(m[1])); err == nil && n > 1 {
			totalPages = n
		}
	}

	forums := tiebaExtractForums(body)
	for page := 2; page <= totalPages; page++ {
		status, body, err := s.Get(ctx, fmt.Sprintf("%s/f/like/mylike?pn=%d", base, page), headers)
		if err != nil {
			return nil, fmt.Errorf("load forum list page %d: %w", page, err)
		}
		if status != http.StatusOK {
			continue
		}
		forums = append(forums, tiebaExtractForums(body)...)
	}
	return forums, nil
}

func tiebaExtractForums(body []byte) []string {
	var forums []string
	for _, m := range tiebaForumRe.FindAllSubmatch(body, -1) {
		forums = append(forums, string(m[1]))
	}
	return forums
}

type tiebaSignResult uint8

const (
	tiebaFailed tiebaSignResult = iota
	tiebaSigned
	tiebaAlready
)

func tiebaSignOne(ctx context.Context, s *site.Session, base string, headers map[string]string, forum string) tiebaSignResult {
	form := url.Values{"ie": {"utf-8"}, "kw": {forum}}
	status, body, err := s.PostForm(ctx, base+"/sign/add", form, headers)
	if err != nil || status != http.StatusOK {
		return tiebaFailed
	}
	var res struct {
		Error string `json:"error"`
	}
	if site.DecodeJSON(body, &res) != nil {
		return tiebaFailed
	}
	switch {
	case res.Error == "":
		return tiebaSigned
	case strings.Contains(res.Error, "已经签") || strings.Contains(res.Error, "已签"):
		return tiebaAlready
	default:
		return tiebaFailed
	}
}

func tiebaNameList(names []string) string {
	if len(names) == 0 {
		return ""
	}
	if len(names) > 10 {
		return strings.Join(names[:10], " ") + fmt.Sprintf(" and %d more", len(names)-10)
	}
	return strings.Join(names, " ")
}
