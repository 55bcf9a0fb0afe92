// Package imapx holds the IMAP client plumbing shared by the poll and
// idle sources: dialing, authentication, mailbox discovery, and the
// drain-unseen scan that fetches, emits, and then marks or deletes mail.
package imapx

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
)

// Auth method names, matching the configuration values.
const (
	AuthNone  = "none"
	AuthPlain = "plain"
	AuthLogin = "login"
)

// Auth describes how to authenticate an IMAP session.
type Auth struct {
	Method   string
	User     string
	Password string
}

// ClientConfig describes one IMAP account. Connections are always
// TLS-wrapped; the IMAP sources do not support plaintext accounts.
type ClientConfig struct {
	Server string
	Port   int
	Auth   Auth
}

// Addr returns the host:port dial address.
func (c ClientConfig) Addr() string {
	return net.JoinHostPort(c.Server, strconv.Itoa(c.Port))
}

// Dial connects and authenticates a new IMAP session.
func Dial(cfg ClientConfig, options *imapclient.Options) (*imapclient.Client, error) {
	client, err := imapclient.DialTLS(cfg.Addr(), options)
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", cfg.Addr(), err)
	}

	switch cfg.Auth.Method {
	case AuthNone:
		// Pre-authenticated session.
	case AuthPlain:
		if err := client.Authenticate(sasl.NewPlainClient("", cfg.Auth.User, cfg.Auth.Password)); err != nil {
			Close(client)
			return nil, fmt.Errorf("authenticating with IMAP %s: %w", cfg.Addr(), err)
		}
	case AuthLogin, "":
		if err := client.Login(cfg.Auth.User, cfg.Auth.Password).Wait(); err != nil {
			Close(client)
			return nil, fmt.Errorf("authenticating with IMAP %s: %w", cfg.Addr(), err)
		}
	default:
		Close(client)
		return nil, fmt.Errorf("unsupported auth method %q", cfg.Auth.Method)
	}
	return client, nil
}

// Close logs out and tears the connection down, tolerating servers that
// drop the connection on LOGOUT.
func Close(client *imapclient.Client) {
	_ = client.Logout().Wait()
	_ = client.Close()
}

// Mailbox is one selectable mailbox, with its name normalized to a
// "/"-delimited path regardless of the server's hierarchy delimiter.
type Mailbox struct {
	Name string // server-native name, as used in SELECT
	Path string // "/"-delimited path
}

// Mailboxes lists every selectable mailbox of the account.
func Mailboxes(client *imapclient.Client) ([]Mailbox, error) {
	list, err := client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}
	var boxes []Mailbox
	for _, data := range list {
		if hasAttr(data.Attrs, imap.MailboxAttrNoSelect) {
			continue
		}
		boxes = append(boxes, Mailbox{
			Name: data.Mailbox,
			Path: NormalizePath(data.Mailbox, data.Delim),
		})
	}
	return boxes, nil
}

// ResolveMailbox maps a configured "/"-delimited path to the server-native
// mailbox name. A path with no match is returned verbatim and left to the
// server to reject.
func ResolveMailbox(client *imapclient.Client, path string) (Mailbox, error) {
	boxes, err := Mailboxes(client)
	if err != nil {
		return Mailbox{}, err
	}
	for _, box := range boxes {
		if box.Path == path {
			return box, nil
		}
	}
	return Mailbox{Name: path, Path: path}, nil
}

// NormalizePath rewrites a mailbox name to a "/"-delimited path.
func NormalizePath(name string, delim rune) string {
	if delim == 0 || delim == '/' {
		return name
	}
	return strings.ReplaceAll(name, string(delim), "/")
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, attr := range attrs {
		if attr == want {
			return true
		}
	}
	return false
}

type fetchedMail struct {
	uid  imap.UID
	data []byte
}

// DrainUnseen selects the mailbox, fetches every unread message, emits
// each one, and only then marks it seen (and deleted, unless keep is set).
// Marking strictly after emit is what gives the at-least-once guarantee:
// a crash between fetch and emit leaves the message unread on the server.
// Returns the number of messages emitted.
func DrainUnseen(client *imapclient.Client, mailbox string, keep bool, emit func(data []byte)) (int, error) {
	if _, err := client.Select(mailbox, nil).Wait(); err != nil {
		return 0, fmt.Errorf("selecting %s: %w", mailbox, err)
	}

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen, imap.FlagDeleted},
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("searching %s for unread mail: %w", mailbox, err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return 0, nil
	}

	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	var fetched []fetchedMail
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			fetchCmd.Close()
			return 0, fmt.Errorf("fetching message from %s: %w", mailbox, err)
		}
		body := buf.FindBodySection(section)
		if body == nil {
			continue
		}
		fetched = append(fetched, fetchedMail{uid: buf.UID, data: body})
	}
	if err := fetchCmd.Close(); err != nil {
		return 0, fmt.Errorf("fetching unread mail from %s: %w", mailbox, err)
	}

	flags := []imap.Flag{imap.FlagSeen}
	if !keep {
		flags = append(flags, imap.FlagDeleted)
	}

	emitted := 0
	for _, m := range fetched {
		emit(m.data)
		emitted++
		storeCmd := client.Store(imap.UIDSetNum(m.uid), &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  flags,
		}, nil)
		if err := storeCmd.Close(); err != nil {
			return emitted, fmt.Errorf("flagging message in %s: %w", mailbox, err)
		}
	}

	if !keep && emitted > 0 {
		if _, err := client.Expunge().Collect(); err != nil {
			return emitted, fmt.Errorf("expunging %s: %w", mailbox, err)
		}
	}
	return emitted, nil
}
