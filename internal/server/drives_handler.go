package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oalterg/pinextcloudflaredeploy/pkg/httpx"
	"github.com/oalterg/pinextcloudflaredeploy/pkg/shell"
)

type driveInfo struct {
	Path     string `json:"path"`
	Size     string `json:"size"`
	Model    string `json:"model"`
	IsBackup bool   `json:"is_backup"`
}

type lsblkOutput struct {
	Blockdevices []struct {
		Name  string `json:"name"`
		Size  string `json:"size"`
		Type  string `json:"type"`
		Model string `json:"model"`
	} `json:"blockdevices"`
}

// GET /api/drives
//
// Whole disks only, with the disk hosting the root filesystem excluded and
// the current backup target flagged.
func (s *Server) handleListDrives(w http.ResponseWriter, r *http.Request) {
	rootDev, err := shell.Output(r.Context(), 10*time.Second, "findmnt", "-n", "-o", "SOURCE", "/")
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "Could not determine root device")
		return
	}
	rootDisk := parentDisk(rootDev)

	res, err := shell.Run(r.Context(), 10*time.Second, "lsblk", "-J", "-d", "-o", "NAME,SIZE,TYPE,MODEL,RM")
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "Could not enumerate drives")
		return
	}
	var parsed lsblkOutput
	if err := json.Unmarshal(res.Stdout, &parsed); err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "Could not parse drive list")
		return
	}

	// Best effort; empty when nothing is mounted there.
	backupSource, _ := shell.Output(r.Context(), 10*time.Second, "findmnt", "-n", "-o", "SOURCE", s.cfg.BackupDir)

	candidates := []driveInfo{}
	for _, dev := range parsed.Blockdevices {
		devPath := "/dev/" + dev.Name
		if dev.Type != "disk" {
			continue
		}
		if strings.Contains(rootDisk, devPath) || strings.Contains(devPath, rootDisk) {
			continue
		}
		model := dev.Model
		if model == "" {
			model = "Unknown"
		}
		candidates = append(candidates, driveInfo{
			Path:     devPath,
			Size:     dev.Size,
			Model:    model,
			IsBackup: backupSource != "" && strings.Contains(backupSource, devPath),
		})
	}
	writeJSON(w, candidates)
}

// parentDisk maps a partition device to its disk: /dev/mmcblk0p2 ->
// /dev/mmcblk0, /dev/sda1 -> /dev/sda.
func parentDisk(dev string) string {
	if strings.Contains(dev, "mmcblk") {
		if i := strings.LastIndex(dev, "p"); i > 0 {
			return dev[:i]
		}
		return dev
	}
	return strings.TrimRight(dev, "0123456789")
}

func validDrivePath(path string) bool {
	// Never touch the SD card the OS runs from, and keep the path out of
	// shell metacharacter territory before it reaches a script.
	if path == "" || strings.Contains(path, "mmcblk") {
		return false
	}
	if !strings.HasPrefix(path, "/dev/") {
		return false
	}
	return isAlnum(strings.TrimPrefix(path, "/dev/"))
}

// POST /api/drives/format
func (s *Server) handleFormatDrive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if !validDrivePath(body.Path) {
		httpx.WriteTypedError(w, http.StatusBadRequest, "drives.invalid", "Invalid drive")
		return
	}

	// The UUID only exists after mkfs, so this stays a shell script rather
	// than an argv per step.
	script := fmt.Sprintf(
		"umount %[1]s* || true; "+
			"wipefs -a %[1]s; "+
			"mkfs.ext4 -F -L 'NextcloudBackup' %[1]s; "+
			"mkdir -p %[2]s; "+
			"UUID=$(blkid -o value -s UUID %[1]s); "+
			"sed -i '\\|%[2]s|d' /etc/fstab; "+
			"echo \"UUID=$UUID %[2]s ext4 defaults,nofail 0 2\" >> /etc/fstab; "+
			"mount -a",
		body.Path, s.cfg.BackupDir)

	s.submitTask(w, "Format Drive", []string{"/bin/sh", "-c", script}, "setup")
}

// POST /api/drives/mount
//
// Adopts an already-formatted drive as the backup target. The drive is
// probed synchronously so unusable drives are rejected before any task
// starts.
func (s *Server) handleMountDrive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if !validDrivePath(body.Path) {
		httpx.WriteTypedError(w, http.StatusBadRequest, "drives.invalid", "Invalid drive")
		return
	}

	uuid, err := shell.Output(r.Context(), 10*time.Second, "blkid", "-o", "value", "-s", "UUID", body.Path)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "Could not read drive info")
		return
	}
	if uuid == "" {
		httpx.WriteTypedError(w, http.StatusBadRequest, "drives.no_uuid", "No UUID found. Format drive first.")
		return
	}
	fstype, err := shell.Output(r.Context(), 10*time.Second, "blkid", "-o", "value", "-s", "TYPE", body.Path)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "Could not read drive info")
		return
	}
	switch fstype {
	case "ext4", "ext3", "xfs":
	default:
		httpx.WriteTypedError(w, http.StatusBadRequest, "drives.unsupported_fs", "Unsupported filesystem ("+fstype+")")
		return
	}

	script := fmt.Sprintf(
		"umount %[1]s || true; "+
			"mkdir -p %[2]s; "+
			"sed -i '\\|%[2]s|d' /etc/fstab; "+
			"echo \"UUID=%[3]s %[2]s %[4]s defaults,nofail 0 2\" >> /etc/fstab; "+
			"mount -a",
		body.Path, s.cfg.BackupDir, uuid, fstype)

	s.submitTask(w, "Mount Existing Drive", []string{"/bin/sh", "-c", script}, "setup")
}
