// Package message renders the texts the bot sends.
//
// Release is plain text. Everything else is Telegram HTML; dynamic values are
// escaped.
package message

import (
	"html"
	"strings"

	"releasebot/internal/catalog"
	"releasebot/internal/storage"
)

// MaxSearchResults bounds the number of entries rendered by SearchResults.
const MaxSearchResults = 10

const (
	NothingFound     = "Nothing found in App Store."
	NotSubscribed    = "You are not subscribed to any apps updates."
	GenericFailure   = "Something is wrong =( Please try again later."
	MissingArgument  = "Please specify a bundle ID, e.g. <pre>/add com.google.Gmail</pre>"
	MissingSearch    = "Please specify an app name, e.g. <pre>/search GMail</pre>"
	NotSubscribedOne = "You are not subscribed to this app."
)

// Help is the /help and /start reply.
const Help = "Help: \n\n" +
	"/help - help.\n" +
	"/search [app name] - search app by name.\n" +
	"/add [bundle ID] - subscribe for notifications about new versions of app by Bundle ID (you can find it with /search).\n" +
	"/del [bundle ID]- unsubscribe from notifications about new versions by Bundle ID.\n" +
	"/list - list of subscribtions\n\n" +
	"Examples:\n" +
	"<pre>/search GMail</pre>\n" +
	"<pre>/add com.google.Gmail</pre>\n" +
	"<pre>/del com.google.Gmail</pre>\n" +
	"<pre>/list</pre>"

// Release announces a new version of sub. Title, URL and identifier come from
// the stored subscription; version and notes from the catalog entry.
func Release(e catalog.Entry, sub storage.Subscription) string {
	var b strings.Builder
	b.WriteString("New version released! Version ")
	b.WriteString(e.Version)
	b.WriteString("\n\n")
	b.WriteString(sub.Title)
	b.WriteString("\nVersion: ")
	b.WriteString(e.Version)
	b.WriteString("\n")
	b.WriteString(sub.DetailURL)
	b.WriteString("\nBundle ID: ")
	b.WriteString(sub.ItemIdentifier)
	b.WriteString("\n\n")
	if notes := strings.TrimSpace(e.ReleaseNotes); notes != "" {
		b.WriteString("What's new: \n")
		b.WriteString(notes)
		b.WriteString("\n")
	}
	return b.String()
}

func SearchResults(entries []catalog.Entry) string {
	if len(entries) == 0 {
		return NothingFound
	}
	if len(entries) > MaxSearchResults {
		entries = entries[:MaxSearchResults]
	}
	var b strings.Builder
	b.WriteString("Search results:\n\n")
	for _, e := range entries {
		b.WriteString("<b>" + esc(e.Title) + "</b>\n")
		b.WriteString("Version: <b>" + esc(e.Version) + "</b>\n")
		b.WriteString("URL: " + esc(e.DetailURL) + "\n")
		b.WriteString("Bundle ID: <b>" + esc(e.ItemIdentifier) + "</b>\n\n")
	}
	return b.String()
}

func List(subs []storage.Subscription) string {
	if len(subs) == 0 {
		return NotSubscribed
	}
	var b strings.Builder
	b.WriteString("Results:\n\n")
	for _, s := range subs {
		b.WriteString(esc(s.Title) + "\n")
		b.WriteString("Version: " + esc(s.LatestVersion()) + "\n")
		b.WriteString("URL: " + esc(s.DetailURL) + "\n")
		b.WriteString("Bundle ID: " + esc(s.ItemIdentifier) + "\n\n")
	}
	return b.String()
}

func Added(title, itemID string) string {
	return "<b>" + esc(title) + "</b> with bundle ID <b>" + esc(itemID) +
		"</b> has been added to your subscriptions. I will inform you when a new version will be released."
}

func AlreadySubscribed(title, itemID string) string {
	return "You are already subscribed to <b>" + esc(title) + "</b> (<b>" + esc(itemID) + "</b>)."
}

func Removed(itemID string) string {
	return "<b>" + esc(itemID) + "</b> removed from your subscriptions."
}

func esc(s string) string { return html.EscapeString(s) }
