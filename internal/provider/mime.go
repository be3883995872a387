package provider

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"sort"
	"time"

	"github.com/google/uuid"
)

// BuildMIME renders msg as an RFC 5322 message with a multipart/alternative
// body, wrapped in multipart/mixed when there are attachments. It is used by
// the SMTP transport and by SES raw sends.
func BuildMIME(msg *Message, messageID string) ([]byte, error) {
	if messageID == "" {
		messageID = uuid.NewString() + "@sendpipeline"
	}

	var buf bytes.Buffer
	writeHeader := func(k, v string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	writeHeader("From", msg.From.String())
	writeHeader("To", msg.To.String())
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader("Date", time.Now().UTC().Format(time.RFC1123Z))
	writeHeader("Message-ID", "<"+messageID+">")
	writeHeader("MIME-Version", "1.0")
	if msg.ReplyTo != "" {
		writeHeader("Reply-To", msg.ReplyTo)
	}

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeHeader(k, msg.Headers[k])
	}

	var body bytes.Buffer
	if len(msg.Attachments) == 0 {
		alt := multipart.NewWriter(&body)
		writeHeader("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", alt.Boundary()))
		if err := writeAlternatives(alt, msg); err != nil {
			return nil, err
		}
	} else {
		mixed := multipart.NewWriter(&body)
		writeHeader("Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", mixed.Boundary()))

		var altBody bytes.Buffer
		alt := multipart.NewWriter(&altBody)
		if err := writeAlternatives(alt, msg); err != nil {
			return nil, err
		}
		part, err := mixed.CreatePart(textproto.MIMEHeader{
			"Content-Type": {fmt.Sprintf("multipart/alternative; boundary=%q", alt.Boundary())},
		})
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(altBody.Bytes()); err != nil {
			return nil, err
		}

		for _, a := range msg.Attachments {
			ct := a.ContentType
			if ct == "" {
				ct = "application/octet-stream"
			}
			part, err := mixed.CreatePart(textproto.MIMEHeader{
				"Content-Type":              {ct},
				"Content-Transfer-Encoding": {"base64"},
				"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename})},
			})
			if err != nil {
				return nil, err
			}
			if err := writeBase64Lines(part, a.Data); err != nil {
				return nil, err
			}
		}
		if err := mixed.Close(); err != nil {
			return nil, err
		}
	}

	buf.WriteString("\r\n")
	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}

func writeAlternatives(w *multipart.Writer, msg *Message) error {
	parts := []struct{ ct, content string }{
		{"text/plain; charset=UTF-8", msg.Text},
		{"text/html; charset=UTF-8", msg.HTML},
	}
	for _, p := range parts {
		if p.content == "" {
			continue
		}
		part, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.ct},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return err
		}
		qp := quotedprintable.NewWriter(part)
		if _, err := qp.Write([]byte(p.content)); err != nil {
			return err
		}
		if err := qp.Close(); err != nil {
			return err
		}
	}
	return w.Close()
}

// writeBase64Lines wraps encoded data at 76 columns.
func writeBase64Lines(w interface{ Write([]byte) (int, error) }, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		if _, err := w.Write([]byte(enc[:76] + "\r\n")); err != nil {
			return err
		}
		enc = enc[76:]
	}
	_, err := w.Write([]byte(enc + "\r\n"))
	return err
}
