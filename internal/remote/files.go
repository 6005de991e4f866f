package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/masterzen/winrm"

	"github.com/piegosalles10kk/10KK-Cyberbattle-V2/internal/domain"
)

const systemInfoScript = `$info = @{
    Hostname = $env:COMPUTERNAME
    OS = (Get-CimInstance Win32_OperatingSystem).Caption
    OSVersion = (Get-CimInstance Win32_OperatingSystem).Version
    Architecture = $env:PROCESSOR_ARCHITECTURE
    RAM = [math]::Round((Get-CimInstance Win32_ComputerSystem).TotalPhysicalMemory / 1GB, 2)
    CPU = (Get-CimInstance Win32_Processor).Name
    IPAddress = (Get-NetIPAddress -AddressFamily IPv4 | Where-Object {$_.IPAddress -ne '127.0.0.1'} | Select-Object -First 1).IPAddress
}
$info | ConvertTo-Json`

// Upload writes data to remotePath on the target. It is a single attempt.
func (e *Executor) Upload(ctx context.Context, data []byte, remotePath string) error {
	script := fmt.Sprintf(`$bytes = [System.Convert]::FromBase64String('%s')
[System.IO.File]::WriteAllBytes('%s', $bytes)
Write-Host 'File uploaded successfully'`, base64.StdEncoding.EncodeToString(data), psQuote(remotePath))

	e.emit(domain.LevelInfo, fmt.Sprintf("uploading %d bytes to %s", len(data), remotePath), map[string]any{"target": e.Target})
	_, err := e.RunScript(ctx, winrm.Powershell(script), false)
	return err
}

// UploadFile reads localPath and uploads it.
func (e *Executor) UploadFile(ctx context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}
	return e.Upload(ctx, data, remotePath)
}

// Download returns the bytes of remotePath.
func (e *Executor) Download(ctx context.Context, remotePath string) ([]byte, error) {
	script := fmt.Sprintf(`$bytes = [System.IO.File]::ReadAllBytes('%s')
Write-Host ([System.Convert]::ToBase64String($bytes))`, psQuote(remotePath))

	res, err := e.runOnce(ctx, winrm.Powershell(script))
	if err != nil {
		e.emit(domain.LevelError, "download of "+remotePath+" failed", map[string]any{"target": e.Target})
		return nil, asTransportError(err, e.Target)
	}
	if res.ExitCode != 0 {
		e.emit(domain.LevelError, "download of "+remotePath+" failed", map[string]any{"target": e.Target})
		return nil, domain.New(domain.KindRemoteNonZeroExit, fmt.Sprintf("download exit code %d", res.ExitCode))
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(decode(res.Stdout)))
	if err != nil {
		return nil, fmt.Errorf("decode downloaded content: %w", err)
	}
	e.emit(domain.LevelSuccess, "download of "+remotePath+" complete", map[string]any{"target": e.Target, "bytes": len(data)})
	return data, nil
}

// DownloadFile saves remotePath to localPath.
func (e *Executor) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	data, err := e.Download(ctx, remotePath)
	if err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o644)
}

// SystemInfo collects the host inventory as reported by PowerShell.
func (e *Executor) SystemInfo(ctx context.Context) (map[string]any, error) {
	res, err := e.runOnce(ctx, winrm.Powershell(systemInfoScript))
	if err != nil {
		return nil, asTransportError(err, e.Target)
	}
	if res.ExitCode != 0 {
		return nil, domain.New(domain.KindRemoteNonZeroExit, fmt.Sprintf("system info exit code %d", res.ExitCode))
	}

	var info map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(decode(res.Stdout))), &info); err != nil {
		return nil, fmt.Errorf("parse system info: %w", err)
	}
	e.emit(domain.LevelInfo, "system information collected", info)
	return info, nil
}

func psQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
