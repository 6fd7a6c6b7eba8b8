package export

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"slices"
	"strings"

	"github.com/WessleyAI/safetygraph/engine/domain"
	"github.com/WessleyAI/safetygraph/engine/review"
	"github.com/gabriel-vasile/mimetype"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
)

// Attachment is a file carried by a Message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Message is a review summary ready to send.
type Message struct {
	From        string
	To          []string
	Subject     string
	Text        string
	Attachments []Attachment
}

// Attach adds a file whose content type is sniffed from data.
func (m *Message) Attach(name string, data []byte) {
	m.Attachments = append(m.Attachments, Attachment{Name: name, ContentType: mimetype.Detect(data).String(), Data: data})
}

// TextDiff renders every textual field change in res as a unified diff, one
// file section per element field. It returns an empty string when no text
// changed.
func TextDiff(res *review.Result) (string, error) {
	var raw strings.Builder
	for _, m := range res.Modified {
		for _, c := range m.Changes {
			if len(c.Spans) == 0 {
				continue
			}
			path := fmt.Sprintf("%s/%s/%s", m.Kind, m.ID, c.Field)
			out, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
				A:        difflib.SplitLines(c.Old),
				B:        difflib.SplitLines(c.New),
				FromFile: "a/" + path,
				ToFile:   "b/" + path,
				Context:  3,
			})
			if err != nil {
				return "", fmt.Errorf("export: diff %s: %w", path, err)
			}
			raw.WriteString(out)
		}
	}
	if raw.Len() == 0 {
		return "", nil
	}
	fds, err := diff.NewMultiFileDiffReader(strings.NewReader(raw.String())).ReadAllFiles()
	if err != nil {
		return "", fmt.Errorf("export: parse diff: %w", err)
	}
	out, err := diff.PrintMultiFileDiff(fds)
	if err != nil {
		return "", fmt.Errorf("export: print diff: %w", err)
	}
	return string(out), nil
}

// DiffStat totals the lines added, changed and deleted by a unified diff.
func DiffStat(unified string) (diff.Stat, error) {
	var total diff.Stat
	if unified == "" {
		return total, nil
	}
	fds, err := diff.NewMultiFileDiffReader(strings.NewReader(unified)).ReadAllFiles()
	if err != nil {
		return total, fmt.Errorf("export: parse diff: %w", err)
	}
	for _, fd := range fds {
		s := fd.Stat()
		total.Added += s.Added
		total.Changed += s.Changed
		total.Deleted += s.Deleted
	}
	return total, nil
}

func scopeNames(a domain.Analysis, scope []string) map[string][]string {
	out := map[string][]string{}
	for _, id := range scope {
		var group, name string
		switch a.KindOf(id) {
		case domain.KindFaultTreeNode:
			group, name = "Fault trees", a.FaultTreeNodes[id].Name
		case domain.KindComponent:
			group, name = "FMEDA", a.Components[id].Name
		case domain.KindFailureMode:
			group, name = "FMEDA", id
		case domain.KindHazopDoc:
			group, name = "HAZOPs", a.HazopDocs[id].Name
		case domain.KindHaraDoc:
			group, name = "HARAs", a.HaraDocs[id].Name
		case "":
			continue
		default:
			group, name = "Other", id
		}
		out[group] = append(out[group], name)
	}
	return out
}

// ReviewMessage builds the summary mail for a review. scoped is the current
// content of the review scope and res its diff against the baseline; res may
// be nil for a review without a baseline. Only participants with an email
// address receive it.
func ReviewMessage(r domain.Review, scoped domain.Analysis, res *review.Result, from string) (Message, error) {
	msg := Message{From: from, Subject: "Review: " + r.Name}
	for _, p := range r.Participants {
		if p.Email != "" && !slices.Contains(msg.To, p.Email) {
			msg.To = append(msg.To, p.Email)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Review: %s\n", r.Name)
	if r.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", r.Description)
	}
	fmt.Fprintf(&b, "Type: %s\nStatus: %s\n", r.Type, r.Status)
	if !r.DueDate.IsZero() {
		fmt.Fprintf(&b, "Due: %s\n", r.DueDate.Format("2006-01-02"))
	}
	groups := scopeNames(scoped, r.Scope)
	for _, g := range []string{"Fault trees", "FMEDA", "HAZOPs", "HARAs", "Other"} {
		if names := groups[g]; len(names) > 0 {
			fmt.Fprintf(&b, "%s: %s\n", g, strings.Join(names, ", "))
		}
	}

	if res != nil {
		b.WriteString("\n")
		switch {
		case res.Identical, res.Empty():
			b.WriteString("No changes since baseline.\n")
		default:
			fmt.Fprintf(&b, "Changes since baseline: %d added, %d removed, %d modified, %d allocation changes.\n",
				len(res.Added), len(res.Removed), len(res.Modified), len(res.Allocations))
		}
		text, err := TextDiff(res)
		if err != nil {
			return Message{}, err
		}
		if text != "" {
			st, err := DiffStat(text)
			if err != nil {
				return Message{}, err
			}
			fmt.Fprintf(&b, "Text changes: %d lines added, %d changed, %d deleted.\n\n%s", st.Added, st.Changed, st.Deleted, text)
		}
	}
	if open := openComments(r); open > 0 {
		fmt.Fprintf(&b, "\nUnresolved comments: %d\n", open)
	}
	msg.Text = b.String()

	var tables []Table
	for _, id := range sortedIDs(scoped.HazopDocs) {
		t, err := HazopTable(scoped, id)
		if err != nil {
			return Message{}, err
		}
		tables = append(tables, t)
	}
	for _, id := range sortedIDs(scoped.HaraDocs) {
		t, err := HaraTable(scoped, id)
		if err != nil {
			return Message{}, err
		}
		tables = append(tables, t)
	}
	if len(scoped.FailureModes) > 0 {
		tables = append(tables, FMEDATable(scoped))
	}
	if len(scoped.Requirements) > 0 {
		tables = append(tables, RequirementTable(scoped))
	}
	for _, t := range tables {
		data, err := t.Bytes()
		if err != nil {
			return Message{}, err
		}
		msg.Attachments = append(msg.Attachments, Attachment{Name: t.Name + ".csv", ContentType: "text/csv", Data: data})
	}
	return msg, nil
}

func openComments(r domain.Review) int {
	n := 0
	for _, c := range r.Comments {
		if !c.Resolved {
			n++
		}
	}
	return n
}

// WriteTo renders m as a multipart MIME message.
func (m Message) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "From: %s\r\n", m.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(m.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", mw.Boundary())

	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=utf-8"},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return 0, err
	}
	if err := writeQuoted(part, m.Text); err != nil {
		return 0, err
	}
	for _, a := range m.Attachments {
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {ct},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": a.Name})},
		})
		if err != nil {
			return 0, err
		}
		if err := writeBase64(part, a.Data); err != nil {
			return 0, err
		}
	}
	if err := mw.Close(); err != nil {
		return 0, err
	}
	return buf.WriteTo(w)
}

func writeQuoted(w io.Writer, text string) error {
	qw := quotedprintable.NewWriter(w)
	if _, err := io.WriteString(qw, text); err != nil {
		return err
	}
	return qw.Close()
}

// writeBase64 wraps the encoding at 76 columns.
func writeBase64(w io.Writer, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		if _, err := io.WriteString(w, enc[:76]+"\r\n"); err != nil {
			return err
		}
		enc = enc[76:]
	}
	_, err := io.WriteString(w, enc+"\r\n")
	return err
}
