package logstreamer

import (
	"bufio"
	"bytes"
	"log"
	"os/exec"
	"strings"
	"testing"
)

func TestLogstreamerPrefixesEachLine(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	streamer := NewLogstreamer(logger, "app:build ")
	defer streamer.Close()

	cmd := exec.Command("printf", "one\ntwo\n")
	cmd.Stdout = streamer
	if err := cmd.Run(); err != nil {
		t.Fatalf("running command: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || lines[0] != "app:build one" || lines[1] != "app:build two" {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestLogstreamerFlushesIncompleteLine(t *testing.T) {
	const text = "no trailing newline"

	var buffer bytes.Buffer
	byteWriter := bufio.NewWriter(&buffer)
	logger := log.New(byteWriter, "", 0)

	streamer := NewLogstreamer(logger, "")
	if _, err := streamer.Write([]byte(text)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := streamer.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := byteWriter.Flush(); err != nil {
		t.Fatalf("byteWriter flush: %v", err)
	}

	if got := strings.TrimSpace(buffer.String()); got != text {
		t.Fatalf("expected %q, got %q", text, got)
	}
}
