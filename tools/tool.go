package tools

import (
	"bufio"
	"io"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// ToAddressString - return "$host:$port"
func ToAddressString(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.FormatInt(int64(port), 10))
}

// getUserShellByPasswd - the login shell of username in a passwd(5) file
func getUserShellByPasswd(passwd io.Reader, username string) string {
	scanner := bufio.NewScanner(passwd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, rest, ok := strings.Cut(line, ":")
		if !ok || name != username {
			continue
		}
		if items := strings.Split(rest, ":"); len(items) == 6 {
			return items[5]
		}
	}
	return ""
}

func getLinuxUserShell(u *user.User) string {
	file, err := os.Open("/etc/passwd")
	if err != nil {
		return ""
	}
	defer file.Close()
	return getUserShellByPasswd(file, u.Username)
}

func getDarwinUserShell(u *user.User) string {
	output, err := exec.Command("/usr/bin/dscl", ".", "-read", u.HomeDir, "UserShell").Output()
	if err != nil {
		return ""
	}
	_, shell, ok := strings.Cut(string(output), ":")
	if !ok {
		return ""
	}
	return strings.TrimSpace(shell)
}

// GetUnixUserShell - get current user default shell: the user database
// first, then $SHELL, then bash
func GetUnixUserShell() string {
	var shell string
	if u, err := user.Current(); err == nil {
		switch runtime.GOOS {
		case "darwin":
			shell = getDarwinUserShell(u)
		case "linux":
			shell = getLinuxUserShell(u)
		}
	}
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		return "bash"
	}
	return shell
}

// PathExist - return whether exist of path
func PathExist(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ReadOrCreateFile - read from config file, and return the file content
// if path not exist, will create the path and call `f()` to write to the file.
func ReadOrCreateFile(path string, f func() ([]byte, error)) ([]byte, error) {
	if PathExist(path) {
		return os.ReadFile(path)
	}
	content, err := f()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if _, err := file.Write(content); err != nil {
		return nil, err
	}
	return content, nil
}

var stdinToChannelOnce sync.Once
var stdinChannel chan []byte

// StdinToChannel - get one same stdin channel, closed once stdin reached EOF or failed
func StdinToChannel() <-chan []byte {
	stdinToChannelOnce.Do(func() {
		stdinChannel = make(chan []byte)
		go func() {
			defer close(stdinChannel)
			buffer := make([]byte, 4096)
			for {
				n, err := os.Stdin.Read(buffer)
				if n > 0 {
					copyBuffer := make([]byte, n)
					copy(copyBuffer, buffer[:n])
					stdinChannel <- copyBuffer
				}
				if err != nil {
					return
				}
			}
		}()
	})
	return stdinChannel
}
