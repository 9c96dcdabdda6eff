package wikibot

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/mwkit/wikibot/params"
)

// Login attempts to login using the provided username and password.
// Login sets Client.Assert to AssertUser if login is successful.
//
// Use a bot password (Special:BotPasswords) rather than the account's
// main password; main-account login may require extra challenge steps
// this client does not drive.
func (w *Client) Login(ctx context.Context, username, password string) error {
	token, err := w.GetToken(ctx, LoginToken)
	if err != nil {
		return errors.Wrap(err, "unable to obtain login token")
	}

	// One retry with a server-supplied token covers wikis that hand
	// out a new token in the login response itself.
	for attempt := 0; attempt < 2; attempt++ {
		v := params.Values{
			"action":     "login",
			"lgname":     username,
			"lgpassword": password,
			"lgtoken":    token,
		}

		resp, err := w.Post(ctx, v)
		if err != nil {
			return err
		}

		result, err := resp.GetString("login", "result")
		if err != nil {
			return errors.Wrap(err, "invalid API response: no login result")
		}

		switch result {
		case "Success":
			// Tokens fetched before login belong to the anonymous
			// session and are no longer valid.
			w.ClearTokens()
			if w.Assert == AssertNone {
				w.Assert = AssertUser
			}
			return nil
		case "NeedToken":
			if token, err = resp.GetString("login", "token"); err != nil {
				return errors.Wrap(err, "login demanded a token but sent none")
			}
		default:
			reason, rerr := resp.GetString("login", "reason")
			if rerr != nil {
				return errors.Newf("login failed: %s", result)
			}
			return errors.Newf("login failed: %s (%s)", result, reason)
		}
	}
	return errors.New("login failed: token was not accepted")
}

// Logout ends the session and clears the token cache. The wiki side
// of logout requires a csrf token on modern MediaWiki.
func (w *Client) Logout(ctx context.Context) error {
	token, err := w.GetToken(ctx, CSRFToken)
	if err != nil {
		w.ClearTokens()
		return errors.Wrap(err, "unable to obtain csrf token for logout")
	}

	_, err = w.Post(ctx, params.Values{
		"action": "logout",
		"token":  token,
	})
	w.ClearTokens()
	if w.Assert == AssertUser {
		w.Assert = AssertNone
	}
	return err
}
