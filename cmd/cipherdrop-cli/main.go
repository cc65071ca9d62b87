package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dreamhartley/CipherDrop/internal/client"
	"github.com/dreamhartley/CipherDrop/internal/common"
)

func failedStart(err interface{}) {
	_, _ = fmt.Fprintln(os.Stderr, "[cipherdrop]", err)
	os.Exit(1)
}

func printUsageAndExit() {
	fmt.Println(`Usage:
  cipherdrop-cli [flags] send <file> [<file>...]
  cipherdrop-cli [flags] recv <code>
  cipherdrop-cli [flags] stats

send   mints a pairing code (or reuses -code), uploads the files and posts
       them into the session; with -wait it stays until the peer connects.
recv   joins the session, prints its messages and downloads its files into
       -out; with -wait it keeps following live messages until interrupted.
stats  prints server occupancy.

The relay never inspects content; encrypt files yourself if the server
isn't yours. Run with -h for the full flag list.`)
	os.Exit(0)
}

// uniqueOutPath keeps downloads from clobbering each other: "report.pdf"
// becomes "report (1).pdf" and so on while the name is taken.
func uniqueOutPath(dir string, name string) string {
	outPath := filepath.Join(dir, name)
	if _, err := os.Stat(outPath); os.IsNotExist(err) {
		return outPath
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for attempt := 1; ; attempt++ {
		outPath = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, attempt, ext))
		if _, err := os.Stat(outPath); os.IsNotExist(err) {
			return outPath
		}
	}
}

// safeLocalName reduces a peer-chosen file name to something we dare create
// in the output directory.
func safeLocalName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Trim(name, " .")
	if name == "" || name == "/" {
		return "file"
	}
	return name
}

func printMessage(msg common.FullMessage, ownToken string) {
	who := "peer"
	if msg.Sender == ownToken {
		who = "me"
	}
	when := time.UnixMilli(msg.Timestamp).Format("15:04:05")
	if msg.Type == common.MessageTypeText {
		fmt.Printf("[%s %s] %s\n", when, who, msg.Content)
	} else {
		var descriptor common.FileDescriptor
		if json.Unmarshal(msg.Metadata, &descriptor) == nil {
			fmt.Printf("[%s %s] file %s (%d bytes)\n", when, who, descriptor.Name, descriptor.Size)
		}
	}
}

func main() {
	showVersionAndExit := common.CmdEnvBool("Show version and exit.", false,
		"version", "")
	showVersionAndExitShort := common.CmdEnvBool("Show version and exit.", false,
		"v", "")
	serverURL := common.CmdEnvString("Cipherdrop server url, default http://127.0.0.1:3000.", "http://127.0.0.1:3000",
		"server", "CIPHERDROP_SERVER")
	reuseCode := common.CmdEnvString("Send into an existing session instead of minting a new code.", "",
		"code", "")
	textMessage := common.CmdEnvString("An extra text message to post after the files.", "",
		"text", "")
	outDir := common.CmdEnvString("Directory for received files, default the current one.", ".",
		"out", "")
	chunkSize := common.CmdEnvInt("Chunk size for large uploads, in bytes, default 5M.\nFiles up to one chunk go in a single request.", client.DefaultChunkSize,
		"chunk-size", "")
	parallelism := common.CmdEnvInt("Parallel chunk requests per file, default 4.", client.DefaultUploadParallelism,
		"parallel", "")
	wait := common.CmdEnvBool("Keep the session open: send waits for the peer to connect, recv follows live messages.", false,
		"wait", "")
	logFileName := common.CmdEnvString("A filename to log, nothing by default.\nErrors are duplicated to stderr always.", "",
		"log-filename", "")
	logVerbosity := common.CmdEnvInt("Logger verbosity level for INFO (-1 off, default 0, max 2).\nErrors are logged always.", 0,
		"log-verbosity", "")

	common.ParseCmdFlagsCombiningWithEnv()

	if *showVersionAndExit || *showVersionAndExitShort {
		fmt.Println(common.GetVersion())
		os.Exit(0)
	}
	if err := client.MakeLoggerClient(*logFileName, *logVerbosity, true); err != nil {
		failedStart(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsageAndExit()
	}

	relay, err := client.MakeRelayConnection(*serverURL)
	if err != nil {
		failedStart(err)
	}

	switch args[0] {
	case "send":
		if len(args) < 2 {
			failedStart("send needs at least one file")
		}
		runSend(relay, args[1:], *reuseCode, *textMessage, *chunkSize, int(*parallelism), *wait)
	case "recv":
		if len(args) != 2 {
			failedStart("recv needs exactly one pairing code")
		}
		runRecv(relay, strings.ToUpper(args[1]), *outDir, *wait)
	case "stats":
		runStats(relay)
	default:
		printUsageAndExit()
	}
}

func runSend(relay *client.RelayConnection, files []string, code string, text string, chunkSize int64, parallelism int, wait bool) {
	for _, filePath := range files {
		if _, err := os.Stat(filePath); err != nil {
			failedStart(err)
		}
	}

	var err error
	if code == "" {
		if code, err = relay.MintCode(); err != nil {
			failedStart(err)
		}
	}
	fmt.Println("pairing code:", code)

	channel, err := client.DialEventChannel(relay.BaseURL())
	if err != nil {
		failedStart(err)
	}
	defer channel.Close()
	joined, err := channel.JoinRoom(code, "")
	if err != nil {
		failedStart(err)
	}

	for _, filePath := range files {
		stat, _ := os.Stat(filePath)
		var descriptor *common.FileDescriptor
		if stat.Size() > chunkSize {
			descriptor, err = relay.UploadFileChunked(code, filePath, chunkSize, parallelism)
		} else {
			descriptor, err = relay.UploadFile(code, filePath)
		}
		if err != nil {
			failedStart(err)
		}
		if err = channel.SendFileMessage(code, joined.ClientToken, descriptor); err != nil {
			failedStart(err)
		}
		fmt.Printf("sent %s (%d bytes)\n", descriptor.Name, descriptor.Size)
	}
	if text != "" {
		if err = channel.SendText(code, joined.ClientToken, text); err != nil {
			failedStart(err)
		}
	}

	if !wait {
		return
	}
	fmt.Println("waiting for the peer (Ctrl-C to stop)...")
	for {
		evt, err := channel.Receive(0)
		if err != nil {
			failedStart(err)
		}
		if evt.Event == common.EventUserConnected {
			fmt.Println("peer connected")
			return
		}
	}
}

func runRecv(relay *client.RelayConnection, code string, outDir string, wait bool) {
	if err := os.MkdirAll(outDir, os.ModePerm); err != nil {
		failedStart(err)
	}

	channel, err := client.DialEventChannel(relay.BaseURL())
	if err != nil {
		failedStart(err)
	}
	defer channel.Close()
	joined, err := channel.JoinRoom(code, "")
	if err != nil {
		failedStart(err)
	}

	downloadFromMessage := func(msg common.FullMessage) {
		var descriptor common.FileDescriptor
		if err := json.Unmarshal(msg.Metadata, &descriptor); err != nil {
			fmt.Println("skipped a file message with unreadable metadata")
			return
		}
		outPath := uniqueOutPath(outDir, safeLocalName(descriptor.Name))
		written, err := relay.DownloadToFile(descriptor.DownloadURL, outPath)
		if err != nil {
			failedStart(err)
		}
		fmt.Printf("saved %s (%d bytes)\n", outPath, written)
	}

	for _, msg := range joined.History {
		printMessage(msg, joined.ClientToken)
		if msg.Type == common.MessageTypeFile && msg.Sender != joined.ClientToken {
			downloadFromMessage(msg)
		}
	}

	if !wait {
		return
	}
	fmt.Println("following the session (Ctrl-C to stop)...")
	for {
		evt, err := channel.Receive(0)
		if err != nil {
			failedStart(err)
		}
		switch evt.Event {
		case common.EventReceiveMessage:
			var msg common.FullMessage
			if json.Unmarshal(evt.Data, &msg) != nil {
				continue
			}
			printMessage(msg, joined.ClientToken)
			if msg.Type == common.MessageTypeFile && msg.Sender != joined.ClientToken {
				downloadFromMessage(msg)
			}
		case common.EventUserConnected:
			fmt.Println("peer connected")
		case common.EventUserDisconnected:
			fmt.Println("peer disconnected")
		}
	}
}

func runStats(relay *client.RelayConnection) {
	stats, err := relay.ServerStats()
	if err != nil {
		failedStart(err)
	}
	if stats.IsUnlimited {
		fmt.Printf("active sessions: %d (no cap)\n", stats.ActiveSessions)
		return
	}
	fmt.Printf("active sessions: %d of %d (%.1f%%), %d slots free\n",
		stats.ActiveSessions, stats.MaxSessions, stats.UsagePercentage, stats.AvailableSlots)
}
