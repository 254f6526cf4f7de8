package router

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/Cypherspark/signalerr/internal/core"
	"github.com/Cypherspark/signalerr/internal/transport"
)

// Kind is the closed set of commands the bot understands.
type Kind int

const (
	KindNatural Kind = iota // free-form media request
	KindHelp
	KindRequest
	KindSearch
	KindStatus
	KindMyRequests
	KindCancel
	KindSettings
	KindCreateGroup
	KindAddUser
	KindRemoveUser
	KindListUsers
	KindApprove
	KindDecline
	KindBroadcast
	KindStats
	kindCount
)

type commandSpec struct {
	name  string
	admin bool
	verbs []string
}

var commandTable = [kindCount]commandSpec{
	KindNatural:     {name: "natural"},
	KindHelp:        {name: "help", verbs: []string{"help"}},
	KindRequest:     {name: "request", verbs: []string{"request"}},
	KindSearch:      {name: "search", verbs: []string{"search"}},
	KindStatus:      {name: "status", verbs: []string{"status"}},
	KindMyRequests:  {name: "myrequests", verbs: []string{"myrequests", "myrequest", "list-my-requests"}},
	KindCancel:      {name: "cancel", verbs: []string{"cancel"}},
	KindSettings:    {name: "settings", verbs: []string{"settings"}},
	KindCreateGroup: {name: "creategroup", verbs: []string{"creategroup", "create-group"}},
	KindAddUser:     {name: "adduser", admin: true, verbs: []string{"adduser", "add-user"}},
	KindRemoveUser:  {name: "removeuser", admin: true, verbs: []string{"removeuser", "remove-user"}},
	KindListUsers:   {name: "listusers", admin: true, verbs: []string{"listusers", "list-users"}},
	KindApprove:     {name: "approve", admin: true, verbs: []string{"approve"}},
	KindDecline:     {name: "decline", admin: true, verbs: []string{"decline"}},
	KindBroadcast:   {name: "broadcast", admin: true, verbs: []string{"broadcast"}},
	KindStats:       {name: "stats", admin: true, verbs: []string{"stats"}},
}

var verbIndex = func() map[string]Kind {
	m := map[string]Kind{}
	for k, s := range commandTable {
		for _, v := range s.verbs {
			m[v] = Kind(k)
		}
	}
	return m
}()

func (k Kind) String() string {
	if k < 0 || k >= kindCount {
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
	return commandTable[k].name
}

// AdminOnly reports whether the command needs the admin role.
func (k Kind) AdminOnly() bool {
	return k >= 0 && k < kindCount && commandTable[k].admin
}

// Command is one parsed inbound message.
type Command struct {
	Kind  Kind
	Verb  string
	Args  []string
	Text  string
	User  core.User
	Event transport.Event
}

// Phrase joins the arguments with single spaces.
func (c Command) Phrase() string { return strings.Join(c.Args, " ") }

// Parse splits text into a lower-cased verb with any leading slash removed
// and the remaining whitespace-separated arguments.
func Parse(text string) (verb string, args []string) {
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return "", nil
	}
	return strings.TrimLeft(strings.ToLower(parts[0]), "/"), parts[1:]
}

// Classify resolves the verb to a command kind. Anything unrecognised is a
// free-form request.
func Classify(verb string) Kind {
	if k, ok := verbIndex[verb]; ok {
		return k
	}
	return KindNatural
}

// maxVerbTypo is how many trailing characters a first word may add to a verb
// and still be read as a mistyped command ("helpp", "stats2").
const maxVerbTypo = 2

// looksLikeCommand is true for text that should not be guessed at as a
// title: a leading slash, or a first word that is a verb plus at most
// maxVerbTypo characters. "Searching" or "Cancelled" stay titles.
func looksLikeCommand(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if strings.HasPrefix(t, "/") {
		return true
	}
	words := strings.Fields(t)
	if len(words) == 0 {
		return false
	}
	for v := range verbIndex {
		if rest, ok := strings.CutPrefix(words[0], v); ok && utf8.RuneCountInString(rest) <= maxVerbTypo {
			return true
		}
	}
	return false
}

var (
	seasonRe  = regexp.MustCompile(`season[s]?\s*(\d+)(?:\s*[-–]\s*(\d+))?`)
	latestRe  = regexp.MustCompile(`\b(latest|recent|new|current)\b`)
	maxRecent = 4
	maxSpan   = 100
)

// DeriveSeasons picks the seasons to request for a series with total known
// seasons. An explicit "season N" or "seasons N-M" wins. A latest/recent
// keyword takes the last four (or all, when fewer exist). Otherwise a show
// with four or more seasons gets its last four and a shorter one gets nil,
// meaning every season.
func DeriveSeasons(text string, total int) []int {
	t := strings.ToLower(text)
	if m := seasonRe.FindStringSubmatch(t); m != nil {
		from, _ := strconv.Atoi(m[1])
		to := from
		if m[2] != "" {
			to, _ = strconv.Atoi(m[2])
		}
		if to < from {
			from, to = to, from
		}
		return seasonSpan(from, min(to, from+maxSpan-1))
	}
	if total <= 0 {
		return nil
	}
	if latestRe.MatchString(t) || total >= maxRecent {
		return seasonSpan(max(1, total-maxRecent+1), total)
	}
	return nil
}

func seasonSpan(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for s := from; s <= to; s++ {
		out = append(out, s)
	}
	return out
}
