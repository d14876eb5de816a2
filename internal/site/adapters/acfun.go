package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/FrancisNGG/app-sign/internal/site"
)

const acfunDefaultBase = "https://www.acfun.cn"

// Acfun warms the member page, hits the sign-in endpoint and reads the
// account balances for the result line.
type Acfun struct{}

func NewAcfun() *Acfun { return &Acfun{} }

func (*Acfun) Key() string           { return "acfun" }
func (*Acfun) DefaultDomain() string { return "acfun.cn" }

func (*Acfun) CheckIn(ctx context.Context, s *site.Session) site.Outcome {
	base := strings.TrimSuffix(s.BaseOr(acfunDefaultBase), "/")
	headers := map[string]string{"Referer": base + "/member/"}

	status, _, err := s.Get(ctx, base+"/member/", headers)
	if err != nil {
		return site.Failure(fmt.Sprintf("load member page: %v", err), true)
	}
	if status != http.StatusOK {
		return site.ExpiredCredential(fmt.Sprintf("member page returned http %d", status))
	}

	status, body, err := s.Get(ctx, base+"/rest/pc-direct/user/signIn", headers)
	if err != nil {
		return site.Failure(fmt.Sprintf("sign request: %v", err), true)
	}
	if status != http.StatusOK {
		return site.Failure(fmt.Sprintf("sign endpoint returned http %d", status), true)
	}

	var res struct {
		Result      int    `json:"result"`
		Msg         string `json:"msg"`
		HostMsg     string `json:"host-msg"`
		AwardCoin   int    `json:"awardCoin"`
		AwardBanana int    `json:"awardBanana"`
	}
	if err := site.DecodeJSON(body, &res); err != nil {
		return site.Failure(fmt.Sprintf("sign response unreadable: %v", err), true)
	}

	balance := acfunBalance(ctx, s, base, headers)
	switch {
	case res.Result == 0:
		detail := fmt.Sprintf("checked in, awards: %d coins, %d bananas", res.AwardCoin, res.AwardBanana)
		if balance != "" {
			detail += "; " + balance
		}
		return site.Success(detail)
	case res.Result == 1 ||
		strings.Contains(strings.ToLower(res.Msg), "duplicate") ||
		strings.Contains(res.Msg, "已"):
		detail := "already checked in today"
		if res.Msg != "" {
			detail += ": " + res.Msg
		}
		if balance != "" {
			detail += "; " + balance
		}
		return site.Success(detail)
	default:
		reason := strings.TrimSpace(res.Msg + " " + res.HostMsg)
		if reason == "" {
			reason = fmt.Sprintf("result %d", res.Result)
		}
		return site.Failure("sign rejected: "+reason, true)
	}
}

// Probe checks the session against the personal info endpoint.
func (*Acfun) Probe(ctx context.Context, s *site.Session) error {
	base := strings.TrimSuffix(s.BaseOr(acfunDefaultBase), "/")
	headers := map[string]string{"Referer": base + "/member/"}
	status, body, err := s.Get(ctx, base+"/rest/pc-direct/user/personalInfo", headers)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("personal info returned http %d", status)
	}
	var res struct {
		Result int `json:"result"`
	}
	if err := site.DecodeJSON(body, &res); err != nil {
		return err
	}
	if res.Result != 0 {
		return errors.New("session rejected by personal info endpoint")
	}
	return nil
}

// acfunBalance reads banana and coin balances, best effort.
func acfunBalance(ctx context.Context, s *site.Session, base string, headers map[string]string) string {
	status, body, err := s.Get(ctx, base+"/rest/pc-direct/user/personalInfo", headers)
	if err != nil || status != http.StatusOK {
		return ""
	}
	var info struct {
		Result int `json:"result"`
		Info   struct {
			Banana     int `json:"banana"`
			GoldBanana int `json:"goldBanana"`
		} `json:"info"`
	}
	if site.DecodeJSON(body, &info) != nil || info.Result != 0 {
		return ""
	}

	acCoin := 0
	status, body, err = s.Get(ctx, base+"/rest/pc-direct/payment/acCoin", headers)
	if err == nil && status == http.StatusOK {
		var coin struct {
			Result int `json:"result"`
			AcCoin int `json:"acCoin"`
		}
		if site.DecodeJSON(body, &coin) == nil && coin.Result == 0 {
			acCoin = coin.AcCoin
		}
	}
	return fmt.Sprintf("balance: %d bananas, %d gold bananas, %d ac coins",
		info.Info.Banana, info.Info.GoldBanana, acCoin)
}
