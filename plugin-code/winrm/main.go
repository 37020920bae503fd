// Command winrm is a poll plugin for Windows hosts. It reads a JSON array of
// tasks on stdin, collects host counters over WinRM and writes one result per
// task on stdout.
package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/masterzen/winrm"
	"golang.org/x/text/encoding/unicode"
)

const defaultPort = 5985

// Task mirrors plugin.Task in the engine.
type Task struct {
	DeviceID    int64  `json:"device_id"`
	Target      string `json:"target"`
	Port        int    `json:"port"`
	TimeoutMs   int64  `json:"timeout_ms,omitempty"`
	Credentials string `json:"credentials,omitempty"`
}

// Result mirrors plugin.Result in the engine.
type Result struct {
	DeviceID int64    `json:"device_id"`
	Target   string   `json:"target"`
	Port     int      `json:"port"`
	Success  bool     `json:"success"`
	Error    string   `json:"error,omitempty"`
	Metrics  []Metric `json:"metrics,omitempty"`
}

type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Domain   string `json:"domain,omitempty"`
}

// counters is the document printed by counterScript.
type counters struct {
	CPUPercent  float64 `json:"cpu_pct"`
	MemTotal    float64 `json:"mem_total"`
	MemFree     float64 `json:"mem_free"`
	DiskTotal   float64 `json:"disk_total"`
	DiskFree    float64 `json:"disk_free"`
	RxBytesRate float64 `json:"rx_bps"`
	TxBytesRate float64 `json:"tx_bps"`
}

var fallbackTimeout = flag.Duration("timeout", 30*time.Second, "WinRM timeout when a task carries none")

func main() {
	flag.Parse()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		slog.Error("Failed to read stdin", "component", "WinRMPlugin", "error", err)
		os.Exit(1)
	}
	if len(input) == 0 {
		return
	}

	var tasks []Task
	if err := json.Unmarshal(input, &tasks); err != nil {
		slog.Error("Invalid JSON input", "component", "WinRMPlugin", "error", err)
		os.Exit(1)
	}

	results := make([]Result, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(idx int, t Task) {
			defer wg.Done()
			results[idx] = poll(t)
		}(i, task)
	}
	wg.Wait()

	if err := json.NewEncoder(os.Stdout).Encode(results); err != nil {
		slog.Error("Failed to write output", "component", "WinRMPlugin", "error", err)
		os.Exit(1)
	}
}

func poll(task Task) Result {
	res := Result{DeviceID: task.DeviceID, Target: task.Target, Port: task.Port}
	if res.Port == 0 {
		res.Port = defaultPort
	}

	var creds credentials
	if task.Credentials != "" {
		if err := json.Unmarshal([]byte(task.Credentials), &creds); err != nil {
			res.Error = fmt.Sprintf("parse credentials: %v", err)
			return res
		}
	}

	timeout := *fallbackTimeout
	if task.TimeoutMs > 0 {
		timeout = time.Duration(task.TimeoutMs) * time.Millisecond
	}

	client, err := newClient(res.Target, res.Port, creds, timeout)
	if err != nil {
		res.Error = fmt.Sprintf("create client: %v", err)
		return res
	}

	start := time.Now()
	c, err := collect(client)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.Metrics = c.metrics(time.Since(start))
	return res
}

func newClient(host string, port int, creds credentials, timeout time.Duration) (*winrm.Client, error) {
	endpoint := winrm.NewEndpoint(host, port, false, true, nil, nil, nil, timeout)
	if creds.Domain == "" {
		return winrm.NewClient(endpoint, creds.Username, creds.Password)
	}
	params := winrm.DefaultParameters
	params.TransportDecorator = func() winrm.Transporter { return &winrm.ClientNTLM{} }
	return winrm.NewClientWithParameters(endpoint, creds.Domain+`\`+creds.Username, creds.Password, params)
}

const counterScript = `
$ErrorActionPreference = 'Stop'
try {
    $cpu = (Get-CimInstance Win32_PerfFormattedData_PerfOS_Processor -Filter "Name='_Total'").PercentProcessorTime
    $os = Get-CimInstance Win32_OperatingSystem
    $disks = Get-CimInstance Win32_LogicalDisk -Filter "DriveType=3"
    $nics = Get-CimInstance Win32_PerfFormattedData_Tcpip_NetworkInterface

    @{
        cpu_pct    = [double]$cpu
        mem_total  = [double]$os.TotalVisibleMemorySize * 1024
        mem_free   = [double]$os.FreePhysicalMemory * 1024
        disk_total = [double]($disks | Measure-Object -Property Size -Sum).Sum
        disk_free  = [double]($disks | Measure-Object -Property FreeSpace -Sum).Sum
        rx_bps     = [double]($nics | Measure-Object -Property BytesReceivedPersec -Sum).Sum * 8
        tx_bps     = [double]($nics | Measure-Object -Property BytesSentPersec -Sum).Sum * 8
    } | ConvertTo-Json -Compress
} catch {
    Write-Error $_.Exception.Message
    exit 1
}
`

func collect(client *winrm.Client) (counters, error) {
	// PowerShell -EncodedCommand expects base64 of UTF-16LE.
	utf16 := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	encoded, err := utf16.NewEncoder().String(counterScript)
	if err != nil {
		return counters{}, fmt.Errorf("encode script: %w", err)
	}
	cmd := "powershell -NoProfile -ExecutionPolicy Bypass -EncodedCommand " +
		base64.StdEncoding.EncodeToString([]byte(encoded))

	stdout, stderr, exitCode, err := client.RunWithString(cmd, "")
	if err != nil {
		return counters{}, fmt.Errorf("winrm: %w", err)
	}
	if exitCode != 0 {
		return counters{}, fmt.Errorf("script failed (%d): %s", exitCode, strings.TrimSpace(stderr))
	}

	var c counters
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &c); err != nil {
		return counters{}, fmt.Errorf("decode counters: %w", err)
	}
	return c, nil
}

// metrics flattens the counters into the sample names the engine stores.
func (c counters) metrics(elapsed time.Duration) []Metric {
	out := []Metric{
		{Name: "cpu_pct", Value: c.CPUPercent},
		{Name: "rx_bps", Value: c.RxBytesRate},
		{Name: "tx_bps", Value: c.TxBytesRate},
		{Name: "winrm_ms", Value: float64(elapsed.Microseconds()) / 1000},
	}
	if c.MemTotal > 0 {
		out = append(out, Metric{Name: "mem_used_pct", Value: 100 * (c.MemTotal - c.MemFree) / c.MemTotal})
	}
	if c.DiskTotal > 0 {
		out = append(out, Metric{Name: "disk_used_pct", Value: 100 * (c.DiskTotal - c.DiskFree) / c.DiskTotal})
	}
	return out
}
