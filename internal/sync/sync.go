package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/migasfree/migasfree-client/internal/config"
	"github.com/migasfree/migasfree-client/internal/devices"
	"github.com/migasfree/migasfree-client/internal/machine"
	"github.com/migasfree/migasfree-client/internal/network"
	"github.com/migasfree/migasfree-client/internal/pms"
	"github.com/migasfree/migasfree-client/internal/script"
	"github.com/migasfree/migasfree-client/internal/secure"
	"github.com/migasfree/migasfree-client/internal/transport"
)

const (
	// Cmd is the command identity used for the lock, the error log and
	// the synchronization consumer string.
	Cmd = "migasfree"

	publicKeyFile = "server.pub"
	reposKeyFile  = "repositories.pub"

	scriptTimeout = 60 * time.Second
)

// Process exit codes, following the errno numbers the server tooling
// expects.
const (
	ExitOK           = 0
	ExitNotPermitted = 1   // EPERM
	ExitPrivilege    = 13  // EACCES
	ExitNoData       = 61  // ENODATA
	ExitPMSError     = 71  // EPROTO
	ExitConnRefused  = 111 // ECONNREFUSED
	ExitInterrupted  = 115 // EINPROGRESS
)

// ExitError carries the errno-style process exit code a failure maps to.
type ExitError struct {
	Code int
	Info string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s (exit %d)", e.Info, e.Code)
}

// Synchronizer drives a full exchange with the server.
type Synchronizer struct {
	settings  *config.Settings
	paths     config.Paths
	client    *transport.Client
	pms       pms.Manager // nil when the host has no supported package system
	backend   devices.Backend
	evaluator *script.Evaluator
	errlog    *ErrorLog

	computerID  int
	consoleUser string
	pmsOK       bool
}

// New wires a synchronizer. manager may be nil; package phases are then
// skipped. backend defaults to the CUPS backend when nil.
func New(settings *config.Settings, paths config.Paths, client *transport.Client, manager pms.Manager, backend devices.Backend) *Synchronizer {
	if backend == nil {
		backend = devices.NewCUPS()
	}
	return &Synchronizer{
		settings:    settings,
		paths:       paths,
		client:      client,
		pms:         manager,
		backend:     backend,
		evaluator:   script.New(scriptTimeout, settings.Debug),
		errlog:      NewErrorLog(paths.ErrorFile(Cmd)),
		consoleUser: machine.ConsoleUser(),
		pmsOK:       true,
	}
}

// PMSOK reports whether every package transaction of the run succeeded.
// The process exit code is derived from it alone.
func (s *Synchronizer) PMSOK() bool {
	return s.pmsOK
}

// reportError records a non-fatal problem for later upload.
func (s *Synchronizer) reportError(msg string) {
	s.errlog.Append(msg)
}

// platformName reports the OS the way the server spells it.
func platformName() string {
	switch runtime.GOOS {
	case "linux":
		return "Linux"
	case "windows":
		return "Windows"
	case "darwin":
		return "Darwin"
	}
	return runtime.GOOS
}

func (s *Synchronizer) privateKeyFile() string {
	return s.settings.Project + ".pri"
}

func (s *Synchronizer) keyPath(file string) string {
	return filepath.Join(s.paths.ServerKeys(s.settings.Server), file)
}

// CheckSignKeys ensures the envelope keypair is usable, autoregistering
// the computer when the keys are absent.
func (s *Synchronizer) CheckSignKeys(ctx context.Context) error {
	if s.keysPresent() {
		return s.loadKeys()
	}

	log.Printf("[WARN] Security keys are not present")
	if err := s.AutoRegister(ctx); err != nil {
		return err
	}
	return s.loadKeys()
}

func (s *Synchronizer) keysPresent() bool {
	for _, file := range []string{publicKeyFile, s.privateKeyFile(), reposKeyFile} {
		if _, err := os.Stat(s.keyPath(file)); err != nil {
			return false
		}
	}
	return true
}

func (s *Synchronizer) loadKeys() error {
	private, err := secure.LoadPrivateKey(s.keyPath(s.privateKeyFile()))
	if err != nil {
		return fmt.Errorf("failed to load private key: %w", err)
	}
	public, err := secure.LoadPublicKey(s.keyPath(publicKeyFile))
	if err != nil {
		return fmt.Errorf("failed to load server public key: %w", err)
	}

	s.client.SetKeys(&transport.Keys{Private: private, Public: public})
	return nil
}

// AutoRegister obtains the signing keys with the anonymous credentials
// the server reserves for self-registration.
func (s *Synchronizer) AutoRegister(ctx context.Context) error {
	log.Printf("[INFO] Autoregistering computer...")
	return s.saveSignKeys(ctx, "", "")
}

// Register obtains the signing keys with explicit credentials and makes
// sure the computer exists on the server.
func (s *Synchronizer) Register(ctx context.Context, user, password string) error {
	if err := s.saveSignKeys(ctx, user, password); err != nil {
		return err
	}
	if err := s.loadKeys(); err != nil {
		return err
	}
	if _, err := s.ComputerID(ctx); err != nil {
		return err
	}

	log.Printf("[INFO] Computer registered at server")
	return nil
}

// saveSignKeys requests the project keypair and writes every key file the
// server returns, then fetches the repositories signing key.
func (s *Synchronizer) saveSignKeys(ctx context.Context, user, password string) error {
	payload := map[string]string{
		"username": user,
		"password": password,
		"project":  s.settings.Project,
		"platform": platformName(),
	}
	if s.pms != nil {
		payload["pms"] = s.pms.Name()
		payload["architecture"] = s.pms.SystemArchitecture(ctx)
	}

	raw, err := s.client.SimpleRequest(ctx, epProjectKeys, payload, transport.ModeJSON, 0)
	if err != nil {
		return err
	}
	if code, info, isErr := transport.ServerError(raw); isErr {
		return &ExitError{Code: ExitNotPermitted, Info: fmt.Sprintf("registration rejected: %s (%d)", info, code)}
	}

	var files map[string]string
	if err := json.Unmarshal(raw, &files); err != nil {
		return fmt.Errorf("malformed keys response: %w", err)
	}

	dir := s.paths.ServerKeys(s.settings.Server)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create keys directory: %w", err)
	}

	for name, content := range files {
		switch name {
		case "migasfree-server.pub":
			name = publicKeyFile
		case "migasfree-client.pri", "migasfree-packager.pri":
			name = s.privateKeyFile()
		}

		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			return fmt.Errorf("failed to write key file %s: %w", path, err)
		}
		log.Printf("[INFO] Key %s created", path)
	}

	return s.saveReposKey(ctx)
}

// saveReposKey downloads the repositories signing key and imports it into
// the package system keyring.
func (s *Synchronizer) saveReposKey(ctx context.Context) error {
	data, err := s.client.Download(ctx, epReposKeys, nil)
	if err != nil {
		return err
	}

	path := s.keyPath(reposKeyFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write repositories key: %w", err)
	}
	log.Printf("[INFO] Key %s created", path)

	if s.pms != nil && !s.pms.ImportServerKey(ctx, path) {
		log.Printf("[WARN] Could not import repositories key %s", path)
	}
	return nil
}

// ComputerID resolves this computer's server-side id, creating the
// computer record when the server does not know it yet.
func (s *Synchronizer) ComputerID(ctx context.Context) (int, error) {
	if s.computerID != 0 {
		return s.computerID, nil
	}

	raw, err := s.client.SafeRequest(ctx, epComputerID, map[string]any{
		"uuid": machine.HardwareUUID(),
		"name": s.settings.ComputerName,
	})
	if err != nil {
		return 0, err
	}

	if code, info, isErr := transport.ServerError(raw); isErr {
		if code == http.StatusNotFound {
			return s.saveComputer(ctx)
		}
		return 0, &ExitError{Code: ExitNoData, Info: info}
	}

	var id int
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, fmt.Errorf("malformed computer id: %w", err)
	}

	s.computerID = id
	return id, nil
}

// saveComputer creates the computer record on the server.
func (s *Synchronizer) saveComputer(ctx context.Context) (int, error) {
	raw, err := s.client.SafeRequest(ctx, epUploadComputer, map[string]any{
		"uuid":       machine.HardwareUUID(),
		"name":       s.settings.ComputerName,
		"ip_address": network.Current().IP,
	})
	if err != nil {
		return 0, err
	}

	var resp struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("malformed computer record: %w", err)
	}

	s.computerID = resp.ID
	return resp.ID, nil
}

// ServerInfo fetches the public server description (version, organization).
func (s *Synchronizer) ServerInfo(ctx context.Context) (json.RawMessage, error) {
	return s.client.SimpleRequest(ctx, epServerInfo, nil, transport.ModeJSON, 0)
}

// EndOfTransmission signals the server that this client is done talking.
func (s *Synchronizer) EndOfTransmission(ctx context.Context) error {
	id, err := s.ComputerID(ctx)
	if err != nil {
		return err
	}
	_, err = s.client.SafeRequest(ctx, epEOT, map[string]any{"id": id})
	return err
}

// Run executes the full synchronization sequence. The returned error is
// nil even when package transactions failed; PMSOK carries that outcome.
func (s *Synchronizer) Run(ctx context.Context) error {
	if err := s.CheckSignKeys(ctx); err != nil {
		return &ExitError{Code: ExitNotPermitted, Info: err.Error()}
	}

	startDate := time.Now().Format("2006-01-02T15:04:05")
	log.Printf("[INFO] Connecting to migasfree server...")

	if err := s.uploadOldErrors(ctx); err != nil {
		return err
	}
	s.runHooks(ctx, s.paths.PreSyncDir)

	if err := s.uploadAttributes(ctx); err != nil {
		return err
	}
	if err := s.uploadFaults(ctx); err != nil {
		return err
	}

	if s.pms != nil {
		if err := s.packagePhases(ctx); err != nil {
			return err
		}
	}

	if required, err := s.hardwareCaptureRequired(ctx); err != nil {
		return err
	} else if required {
		s.updateHardwareInventory(ctx)
	}

	s.syncLogicalDevices(ctx)

	s.runHooks(ctx, s.paths.PostSyncDir)
	s.uploadExecutionErrors(ctx)

	if err := s.endSynchronization(ctx, startDate); err != nil {
		return err
	}
	if err := s.EndOfTransmission(ctx); err != nil {
		return err
	}

	log.Printf("[INFO] Completed operations")
	return nil
}

// packagePhases runs the repository and package transaction sequence,
// bracketing it with the before/after software inventory.
func (s *Synchronizer) packagePhases(ctx context.Context) error {
	before := s.pms.QueryAll(ctx)
	history := s.softwareHistory(before)

	s.createRepositories(ctx)
	s.cleanPMSCache(ctx)
	if err := s.mandatoryPackages(ctx); err != nil {
		return err
	}
	if s.settings.AutoUpdatePackages {
		s.updatePackages(ctx)
	}

	return s.uploadSoftware(ctx, before, history)
}

// uploadOldErrors delivers errors left over from previous runs.
func (s *Synchronizer) uploadOldErrors(ctx context.Context) error {
	pending := s.errlog.Pending()
	if pending == "" {
		return nil
	}

	id, err := s.ComputerID(ctx)
	if err != nil {
		return err
	}

	log.Printf("[INFO] Uploading old errors...")
	if _, err := s.client.SafeRequest(ctx, epUploadErrors, map[string]any{
		"id":          id,
		"description": pending,
	}); err != nil {
		return err
	}

	s.errlog.Clear()
	return nil
}

// uploadExecutionErrors delivers the errors accumulated during this run.
func (s *Synchronizer) uploadExecutionErrors(ctx context.Context) {
	pending := s.errlog.Pending()
	if pending == "" {
		return
	}

	id, err := s.ComputerID(ctx)
	if err != nil {
		log.Printf("[ERROR] Could not resolve computer id to send errors: %v", err)
		return
	}

	log.Printf("[INFO] Sending errors to server...")
	if _, err := s.client.SafeRequest(ctx, epUploadErrors, map[string]any{
		"id":          id,
		"description": pending,
	}); err != nil {
		log.Printf("[ERROR] Failed to send errors: %v", err)
		return
	}

	if !s.settings.Debug {
		s.errlog.Clear()
	}
}

// property is a server-side formula whose evaluation yields an attribute.
type property struct {
	Prefix   string `json:"prefix"`
	Language string `json:"language"`
	Code     string `json:"code"`
}

// faultDefinition is a server-side probe whose non-empty output is a
// fault.
type faultDefinition struct {
	Name     string `json:"name"`
	Language string `json:"language"`
	Code     string `json:"code"`
}

// uploadAttributes fetches the property formulas, evaluates them and
// uploads the resulting attribute set with the computer identity.
func (s *Synchronizer) uploadAttributes(ctx context.Context) error {
	id, err := s.ComputerID(ctx)
	if err != nil {
		return err
	}

	log.Printf("[INFO] Getting properties...")
	raw, err := s.client.SafeRequest(ctx, epProperties, map[string]any{"id": id})
	if err != nil {
		return err
	}
	if _, info, isErr := transport.ServerError(raw); isErr {
		return &ExitError{Code: ExitNoData, Info: info}
	}

	var properties []property
	if err := json.Unmarshal(raw, &properties); err != nil {
		return fmt.Errorf("malformed properties response: %w", err)
	}

	log.Printf("[INFO] Evaluating attributes...")
	attributes := make(map[string]string, len(properties))
	for _, p := range properties {
		exit, output, errText := s.evaluator.Evaluate(ctx, p.Prefix, p.Language, p.Code)
		attributes[p.Prefix] = output
		if exit != 0 || strings.TrimSpace(output) == "" {
			log.Printf("[ERROR] Property %s without value: %s", p.Prefix, errText)
			s.reportError(fmt.Sprintf("error: property %s without value", p.Prefix))
		}
	}

	payload := map[string]any{
		"id":              id,
		"uuid":            machine.HardwareUUID(),
		"name":            s.settings.ComputerName,
		"fqdn":            machine.FQDN(),
		"ip_address":      network.Current().IP,
		"sync_user":       s.consoleUser,
		"sync_fullname":   machine.FullName(s.consoleUser),
		"sync_attributes": attributes,
	}

	log.Printf("[INFO] Uploading attributes...")
	_, err = s.client.SafeRequest(ctx, epUploadAttributes, payload)
	return err
}

// uploadFaults fetches the fault definitions, runs them and uploads every
// probe that produced output. Nothing is uploaded when the computer has
// no definitions assigned.
func (s *Synchronizer) uploadFaults(ctx context.Context) error {
	id, err := s.ComputerID(ctx)
	if err != nil {
		return err
	}

	log.Printf("[INFO] Getting fault definitions...")
	raw, err := s.client.SafeRequest(ctx, epFaultDefinitions, map[string]any{"id": id})
	if err != nil {
		return err
	}
	if code, info, isErr := transport.ServerError(raw); isErr {
		if code == http.StatusNotFound {
			return nil
		}
		return &ExitError{Code: ExitNoData, Info: info}
	}

	var definitions []faultDefinition
	if err := json.Unmarshal(raw, &definitions); err != nil {
		return fmt.Errorf("malformed fault definitions: %w", err)
	}
	if len(definitions) == 0 {
		return nil
	}

	log.Printf("[INFO] Executing faults...")
	faults := make(map[string]string)
	for _, d := range definitions {
		exit, output, errText := s.evaluator.Evaluate(ctx, d.Name, d.Language, d.Code)
		if exit != 0 {
			log.Printf("[ERROR] Fault %s failed: %s", d.Name, errText)
			continue
		}
		if output != "" {
			// only faults with output are reported
			faults[d.Name] = output
		}
	}

	log.Printf("[INFO] Uploading faults...")
	_, err = s.client.SafeRequest(ctx, epUploadFaults, map[string]any{
		"id":     id,
		"faults": faults,
	})
	return err
}

// createRepositories fetches the repository set and writes it through the
// package system backend.
func (s *Synchronizer) createRepositories(ctx context.Context) {
	id, err := s.ComputerID(ctx)
	if err != nil {
		log.Printf("[ERROR] Could not resolve computer id: %v", err)
		return
	}

	log.Printf("[INFO] Getting repositories...")
	raw, err := s.client.SafeRequest(ctx, epRepositories, map[string]any{"id": id})
	if err != nil {
		log.Printf("[ERROR] Failed to get repositories: %v", err)
		s.reportError(fmt.Sprintf("failed to get repositories: %v", err))
		return
	}
	if code, info, isErr := transport.ServerError(raw); isErr {
		if code != http.StatusNotFound {
			log.Printf("[ERROR] %s", info)
			s.reportError(info)
		}
		return
	}

	var repos []pms.Repository
	if err := json.Unmarshal(raw, &repos); err != nil {
		log.Printf("[ERROR] Malformed repositories response: %v", err)
		s.reportError(fmt.Sprintf("malformed repositories response: %v", err))
		return
	}

	server := s.settings.Server
	if s.settings.PackageProxyCache != "" {
		server = s.settings.PackageProxyCache + "/" + server
	}

	log.Printf("[INFO] Creating repositories...")
	if !s.pms.CreateRepos(ctx, s.settings.Protocol, server, repos) {
		s.pmsOK = false
		msg := "error creating repositories"
		log.Printf("[ERROR] %s", msg)
		s.reportError(msg)
	}
}

func (s *Synchronizer) cleanPMSCache(ctx context.Context) {
	log.Printf("[INFO] Getting repositories metadata...")
	if !s.pms.CleanAll(ctx) {
		msg := "error getting repositories metadata"
		log.Printf("[ERROR] %s", msg)
		s.reportError(msg)
	}
}

// mandatoryPackages applies the server-mandated removals and installs.
func (s *Synchronizer) mandatoryPackages(ctx context.Context) error {
	id, err := s.ComputerID(ctx)
	if err != nil {
		return err
	}

	log.Printf("[INFO] Getting mandatory packages...")
	raw, err := s.client.SafeRequest(ctx, epMandatoryPackages, map[string]any{"id": id})
	if err != nil {
		return err
	}
	if code, info, isErr := transport.ServerError(raw); isErr {
		if code == http.StatusNotFound {
			return nil
		}
		return &ExitError{Code: ExitNoData, Info: info}
	}

	var resp struct {
		Install []string `json:"install"`
		Remove  []string `json:"remove"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("malformed mandatory packages: %w", err)
	}

	if len(resp.Remove) > 0 {
		log.Printf("[INFO] Uninstalling packages...")
		if ok, errText := s.pms.RemoveSilent(ctx, resp.Remove); !ok {
			s.pmsOK = false
			msg := "error uninstalling packages: " + errText
			log.Printf("[ERROR] %s", msg)
			s.reportError(msg)
		}
	}
	if len(resp.Install) > 0 {
		s.installMandatory(ctx, resp.Install)
	}

	return nil
}

// installMandatory installs a package set, recording any failure.
func (s *Synchronizer) installMandatory(ctx context.Context, packages []string) bool {
	log.Printf("[INFO] Installing mandatory packages...")
	ok, errText := s.pms.InstallSilent(ctx, packages)
	if !ok {
		s.pmsOK = false
		msg := "error installing packages: " + errText
		log.Printf("[ERROR] %s", msg)
		s.reportError(msg)
	}
	return ok
}

func (s *Synchronizer) updatePackages(ctx context.Context) {
	log.Printf("[INFO] Updating packages...")
	if ok, errText := s.pms.UpdateSilent(ctx); !ok {
		s.pmsOK = false
		msg := "error updating packages: " + errText
		log.Printf("[ERROR] %s", msg)
		s.reportError(msg)
	}
}

// softwareHistory compares the recorded inventory file with the current
// one, catching packages managed by hand between runs.
func (s *Synchronizer) softwareHistory(current []string) History {
	data, err := os.ReadFile(s.paths.SoftwareFile)
	if err != nil || len(data) == 0 {
		return History{}
	}

	recorded := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	return SplitDiff(CompareLists(recorded, current))
}

// uploadSoftware records the post-transaction inventory and uploads it
// together with the accumulated change history.
func (s *Synchronizer) uploadSoftware(ctx context.Context, before []string, history History) error {
	id, err := s.ComputerID(ctx)
	if err != nil {
		return err
	}

	after := s.pms.QueryAll(ctx)
	if err := os.WriteFile(s.paths.SoftwareFile, []byte(strings.Join(after, "\n")), 0o644); err != nil {
		log.Printf("[WARN] Failed to record software inventory: %v", err)
	}

	history.Merge(SplitDiff(CompareLists(before, after)))

	log.Printf("[INFO] Uploading software...")
	raw, err := s.client.SafeRequest(ctx, epUploadSoftware, map[string]any{
		"id":        id,
		"inventory": after,
		"history":   history,
	})
	if err != nil {
		return err
	}
	if _, info, isErr := transport.ServerError(raw); isErr {
		return &ExitError{Code: ExitNoData, Info: info}
	}

	return nil
}

// hardwareCaptureRequired asks the server whether this computer's
// hardware inventory is stale.
func (s *Synchronizer) hardwareCaptureRequired(ctx context.Context) (bool, error) {
	id, err := s.ComputerID(ctx)
	if err != nil {
		return false, err
	}

	raw, err := s.client.SafeRequest(ctx, epHardwareRequired, map[string]any{"id": id})
	if err != nil {
		return false, err
	}
	if _, info, isErr := transport.ServerError(raw); isErr {
		return false, &ExitError{Code: ExitNoData, Info: info}
	}

	var resp struct {
		Capture bool `json:"capture"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, nil
	}
	return resp.Capture, nil
}

// updateHardwareInventory captures the lshw inventory and uploads it.
// Failures are recorded but never abort the run.
func (s *Synchronizer) updateHardwareInventory(ctx context.Context) {
	id, err := s.ComputerID(ctx)
	if err != nil {
		log.Printf("[ERROR] Could not resolve computer id: %v", err)
		return
	}

	log.Printf("[INFO] Capturing hardware information...")
	cmd := exec.CommandContext(ctx, "lshw", "-json")
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	output, err := cmd.Output()
	if err != nil {
		msg := fmt.Sprintf("lshw command failed: %v", err)
		log.Printf("[ERROR] %s", msg)
		s.reportError(msg)
		return
	}

	var hardware json.RawMessage
	if err := json.Unmarshal(output, &hardware); err != nil {
		msg := fmt.Sprintf("hardware information: %v", err)
		log.Printf("[ERROR] %s", msg)
		s.reportError(msg)
		return
	}

	log.Printf("[INFO] Sending hardware information...")
	raw, err := s.client.SafeRequest(ctx, epUploadHardware, map[string]any{
		"id":       id,
		"hardware": hardware,
	})
	if err != nil {
		log.Printf("[ERROR] Failed to upload hardware: %v", err)
		s.reportError(fmt.Sprintf("failed to upload hardware: %v", err))
		return
	}
	if _, info, isErr := transport.ServerError(raw); isErr {
		log.Printf("[ERROR] %s", info)
		s.reportError(info)
	}
}

// syncLogicalDevices fetches the assigned devices and reconciles the
// host's printers against them.
func (s *Synchronizer) syncLogicalDevices(ctx context.Context) {
	id, err := s.ComputerID(ctx)
	if err != nil {
		log.Printf("[ERROR] Could not resolve computer id: %v", err)
		return
	}

	log.Printf("[INFO] Getting devices...")
	raw, err := s.client.SafeRequest(ctx, epDevices, map[string]any{"id": id})
	if err != nil {
		log.Printf("[ERROR] Failed to get devices: %v", err)
		s.reportError(fmt.Sprintf("failed to get devices: %v", err))
		return
	}
	if code, info, isErr := transport.ServerError(raw); isErr {
		if code != http.StatusNotFound {
			log.Printf("[ERROR] %s", info)
			s.reportError(info)
		}
		return
	}

	var assignment devices.Assignment
	if err := json.Unmarshal(raw, &assignment); err != nil {
		log.Printf("[ERROR] Malformed devices response: %v", err)
		s.reportError(fmt.Sprintf("malformed devices response: %v", err))
		return
	}
	if len(assignment.Logical) == 0 && assignment.Default == 0 {
		return
	}

	if !s.settings.ManageDevices {
		msg := "assigned device(s) but client does not manage devices"
		log.Printf("[ERROR] %s", msg)
		s.reportError(msg)
		return
	}

	if s.pms != nil {
		for _, device := range assignment.Logical {
			if len(device.Packages) > 0 && !s.installMandatory(ctx, device.Packages) {
				return
			}
		}
	}

	log.Printf("[INFO] Synchronizing logical devices...")
	reconciler := devices.NewReconciler(s.backend, s.paths.ServerDevices(s.settings.Server), s.reportError)
	reconciler.Reconcile(ctx, assignment)
}

// runHooks executes every file in dir in name order. Hook failures are
// recorded and do not stop the run.
func (s *Synchronizer) runHooks(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		log.Printf("[INFO] Running command %s...", name)
		cmd := exec.CommandContext(ctx, filepath.Join(dir, name))
		output, err := cmd.CombinedOutput()
		if err != nil {
			msg := fmt.Sprintf("hook %s failed: %v: %s", name, err, strings.TrimSpace(string(output)))
			log.Printf("[ERROR] %s", msg)
			s.reportError(msg)
		}
	}
}

// endSynchronization reports the run outcome to the server.
func (s *Synchronizer) endSynchronization(ctx context.Context, startDate string) error {
	id, err := s.ComputerID(ctx)
	if err != nil {
		return err
	}

	log.Printf("[INFO] Ending synchronization...")
	_, err = s.client.SafeRequest(ctx, epUploadSync, map[string]any{
		"id":            id,
		"start_date":    startDate,
		"consumer":      fmt.Sprintf("%s %s", Cmd, machine.Version),
		"pms_status_ok": s.pmsOK,
	})
	return err
}

// InstallPackage installs one package on request, keeping the inventory
// on the server current.
func (s *Synchronizer) InstallPackage(ctx context.Context, pkg string) error {
	if s.pms == nil {
		return pms.ErrNoPMS
	}
	if err := s.CheckSignKeys(ctx); err != nil {
		return &ExitError{Code: ExitNotPermitted, Info: err.Error()}
	}

	before := s.pms.QueryAll(ctx)
	history := s.softwareHistory(before)

	log.Printf("[INFO] Installing package: %s", pkg)
	if !s.pms.Install(ctx, pkg) {
		s.pmsOK = false
	}

	if err := s.uploadSoftware(ctx, before, history); err != nil {
		return err
	}
	return s.EndOfTransmission(ctx)
}

// RemovePackage removes one package on request, keeping the inventory on
// the server current.
func (s *Synchronizer) RemovePackage(ctx context.Context, pkg string) error {
	if s.pms == nil {
		return pms.ErrNoPMS
	}
	if err := s.CheckSignKeys(ctx); err != nil {
		return &ExitError{Code: ExitNotPermitted, Info: err.Error()}
	}

	before := s.pms.QueryAll(ctx)
	history := s.softwareHistory(before)

	log.Printf("[INFO] Removing package: %s", pkg)
	if !s.pms.Remove(ctx, pkg) {
		s.pmsOK = false
	}

	if err := s.uploadSoftware(ctx, before, history); err != nil {
		return err
	}
	return s.EndOfTransmission(ctx)
}
