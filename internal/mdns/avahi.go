package mdns

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

const publishCommand = "avahi-publish-service"

// Publisher registers a service by keeping avahi-publish-service running.
type Publisher struct {
	command string
	cmd     *exec.Cmd
}

// NewPublisher creates a new Avahi service publisher
func NewPublisher() *Publisher {
	return &Publisher{command: publishCommand}
}

func publishArgs(service *Service) []string {
	args := []string{}
	if service.Domain != "" {
		args = append(args, "--domain="+service.Domain)
	}
	if service.Host != "" {
		args = append(args, "--host="+service.Host)
	}
	args = append(args, service.Name, service.Type, strconv.Itoa(service.Port))
	return append(args, service.TXTRecords...)
}

// Publish starts the registration. It stays in effect until Stop.
func (p *Publisher) Publish(service *Service) error {
	if p.cmd != nil {
		return errors.New("already publishing")
	}
	if _, err := exec.LookPath(p.command); err != nil {
		return fmt.Errorf("%s not found: %w (install avahi-utils)", p.command, err)
	}

	cmd := exec.Command(p.command, publishArgs(service)...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", p.command, err)
	}
	p.cmd = cmd
	return nil
}

// Stop stops the service publication
func (p *Publisher) Stop() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	defer func() { p.cmd = nil }()
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to stop service: %w", err)
	}
	// Wait for the process to exit
	_ = p.cmd.Wait()
	return nil
}

// IsAvahiAvailable checks if avahi-publish-service is installed
func IsAvahiAvailable() bool {
	_, err := exec.LookPath(publishCommand)
	return err == nil
}
