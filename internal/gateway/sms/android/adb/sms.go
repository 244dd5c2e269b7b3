package adb

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// ismsCall is the "service call isms" transaction for one Android release range.
type ismsCall struct {
	code          string
	subID         int
	hasSubID      bool
	serviceDomain string
}

// ismsCalls maps the Android major version to the transaction code of
// sendText and the calling package it expects.
var ismsCalls = map[int]ismsCall{
	5:  {code: "9", serviceDomain: "com.android.mms"},
	6:  {code: "7", subID: 1, hasSubID: true, serviceDomain: "com.android.mms"},
	7:  {code: "7", subID: 1, hasSubID: true, serviceDomain: "com.android.mms"},
	8:  {code: "7", subID: 0, hasSubID: true, serviceDomain: "com.android.mms.service"},
	9:  {code: "7", subID: 0, hasSubID: true, serviceDomain: "com.android.mms.service"},
	10: {code: "7", subID: 0, hasSubID: true, serviceDomain: "com.android.mms.service"},
}

// PreSend detects the Android version and the MMS service name the isms call needs.
func (d *Device) PreSend() error {
	if d.sh == nil {
		return fmt.Errorf("device %s is not attached", d.AndroidID)
	}
	release, err := d.sh.RunShellCommand("getprop", "ro.build.version.release")
	if err != nil {
		return fmt.Errorf("getprop failed: %w", err)
	}
	major, err := parseVersionMajor(release)
	if err != nil {
		return err
	}
	call, ok := ismsCalls[major]
	if !ok {
		return fmt.Errorf("android version %d not supported", major)
	}
	services, err := d.sh.RunShellCommand("service", "list")
	if err != nil {
		return fmt.Errorf("service list failed: %w", err)
	}
	domain, err := findServiceDomain(services, call.serviceDomain)
	if err != nil {
		return err
	}
	call.serviceDomain = domain
	d.isms = &call
	return nil
}

func (d Device) SendSMS(to string, msg string) error {
	if d.isms == nil {
		return fmt.Errorf("PreSend was not called")
	}
	if _, err := d.sh.RunShellCommand("service", d.isms.args(to, msg)...); err != nil {
		return fmt.Errorf("ADB shell command failed: %w", err)
	}
	return nil
}

func (c ismsCall) args(to, msg string) []string {
	args := []string{"call", "isms", c.code}
	if c.hasSubID {
		args = append(args, "i32", strconv.Itoa(c.subID))
	}
	return append(args,
		"s16", quoteArg(c.serviceDomain),
		"s16", quoteArg(to),
		"s16", "null",
		"s16", quoteArg(msg),
		"s16", "null",
		"s16", "null",
	)
}

func parseVersionMajor(release string) (int, error) {
	major := strings.SplitN(strings.TrimSpace(release), ".", 2)[0]
	n, err := strconv.Atoi(major)
	if err != nil {
		return 0, fmt.Errorf("unexpected android release %q: %w", release, err)
	}
	return n, nil
}

// findServiceDomain picks the MMS service out of "service list" output, whose
// lines look like "42	imms: [com.android.internal.telephony.IMms]".
// The expected name wins; otherwise the last *.IMms interface is used.
func findServiceDomain(services, expected string) (string, error) {
	var found string
	scanner := bufio.NewScanner(strings.NewReader(services))
	for scanner.Scan() {
		line := scanner.Text()
		open := strings.IndexByte(line, '[')
		if open < 0 || !strings.HasSuffix(line, "]") {
			continue
		}
		domain := line[open+1 : len(line)-1]
		if len(domain) < 2 {
			continue
		}
		if domain == expected {
			found = domain
			break
		}
		if strings.HasSuffix(domain, ".IMms") {
			found = domain
		}
	}
	if found == "" {
		return "", fmt.Errorf("service domain not found")
	}
	if strings.ContainsAny(found, " \t") {
		return "", fmt.Errorf("service domain %q contains white space", found)
	}
	return found, nil
}

// quoteArg quotes s for the device shell. Only the double quote, backslash,
// dollar and backtick are special inside double quotes.
func quoteArg(s string) string {
	return `"` + shellEscaper.Replace(s) + `"`
}

var shellEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`")
