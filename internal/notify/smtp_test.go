package notify

import (
	"strings"
	"testing"
)

func TestBuildMessage(t *testing.T) {
	m := NewSMTPMailer(SMTPConfig{
		FromAddr: "switchboard@example.com",
		FromName: "Switchboard",
		ToAddrs:  []string{"a@example.com", "b@example.com"},
	}, nil)

	msg := m.buildMessage("quota warning", "weekly usage at 90%")

	headerEnd := strings.Index(msg, "\r\n\r\n")
	if headerEnd < 0 {
		t.Fatal("message has no blank line separating headers from body")
	}
	headers := msg[:headerEnd]
	body := msg[headerEnd+4:]

	for _, want := range []string{
		"From: Switchboard <switchboard@example.com>",
		"To: a@example.com, b@example.com",
		"Subject: quota warning",
		"Date: ",
		"Content-Type: text/plain; charset=UTF-8",
	} {
		if !strings.Contains(headers, want) {
			t.Errorf("headers missing %q:\n%s", want, headers)
		}
	}
	if body != "weekly usage at 90%" {
		t.Errorf("body = %q", body)
	}
}
