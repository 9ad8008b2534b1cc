// Copyright © 2018 One Concern

package datastore

import (
	"path"
	"path/filepath"
	"regexp"
	"time"

	"github.com/oneconcern/dedupstore/pkg/status"
)

// TimeLayout renders snapshot timestamps: RFC 3339 at second precision, with a numeric offset
const TimeLayout = "2006-01-02T15:04:05-07:00"

// Backup types
const (
	TypeHost = "host"
	TypeVM   = "vm"
	TypeCT   = "ct"
)

const (
	typeRex = `(?:host|vm|ct)`
	idRex   = `[A-Za-z0-9][A-Za-z0-9_-]+`
	timeRex = `[0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}[+-][0-9]{2}:[0-9]{2}`
)

var (
	typeRegexp     = regexp.MustCompile(`^` + typeRex + `$`)
	idRegexp       = regexp.MustCompile(`^` + idRex + `$`)
	timeRegexp     = regexp.MustCompile(`^` + timeRex + `$`)
	groupRegexp    = regexp.MustCompile(`^(` + typeRex + `)/(` + idRex + `)$`)
	snapshotRegexp = regexp.MustCompile(`^(` + typeRex + `)/(` + idRex + `)/(` + timeRex + `)$`)
)

// BackupGroup identifies the subject of backups
type BackupGroup struct {
	Type string
	ID   string
}

// NewBackupGroup validates a backup type and id
func NewBackupGroup(typ, id string) (BackupGroup, error) {
	if !typeRegexp.MatchString(typ) {
		return BackupGroup{}, status.ErrInvalidPath.Wrapf("invalid backup type %q", typ)
	}
	if !idRegexp.MatchString(id) {
		return BackupGroup{}, status.ErrInvalidPath.Wrapf("invalid backup id %q", id)
	}
	return BackupGroup{Type: typ, ID: id}, nil
}

// ParseBackupGroup parses a path of the form type/id
func ParseBackupGroup(pth string) (BackupGroup, error) {
	m := groupRegexp.FindStringSubmatch(filepath.ToSlash(pth))
	if m == nil {
		return BackupGroup{}, status.ErrInvalidPath.Wrapf("unable to parse backup group path %q", pth)
	}
	return BackupGroup{Type: m[1], ID: m[2]}, nil
}

// Path of the group, relative to the datastore
func (g BackupGroup) Path() string {
	return path.Join(g.Type, g.ID)
}

func (g BackupGroup) String() string {
	return g.Path()
}

// BackupDir identifies a snapshot
type BackupDir struct {
	Group BackupGroup
	Time  time.Time
}

// NewBackupDir validates a snapshot identifier. The time must not have fractional seconds.
func NewBackupDir(typ, id string, t time.Time) (BackupDir, error) {
	g, err := NewBackupGroup(typ, id)
	if err != nil {
		return BackupDir{}, err
	}
	if t.Nanosecond() != 0 {
		return BackupDir{}, status.ErrInvalidPath.Wrapf("invalid backup time %v: should not contain fractional seconds", t)
	}
	return BackupDir{Group: g, Time: t}, nil
}

// ParseBackupDir parses a path of the form type/id/timestamp
func ParseBackupDir(pth string) (BackupDir, error) {
	m := snapshotRegexp.FindStringSubmatch(filepath.ToSlash(pth))
	if m == nil {
		return BackupDir{}, status.ErrInvalidPath.Wrapf("unable to parse backup snapshot path %q", pth)
	}

	t, err := parseTime(m[3])
	if err != nil {
		return BackupDir{}, err
	}

	return BackupDir{
		Group: BackupGroup{Type: m[1], ID: m[2]},
		Time:  t,
	}, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, status.ErrInvalidPath.Wrapf("invalid backup time %q: %v", s, err)
	}
	return t, nil
}

// TimeString is the rendered timestamp of the snapshot
func (d BackupDir) TimeString() string {
	return d.Time.Format(TimeLayout)
}

// Path of the snapshot, relative to the datastore
func (d BackupDir) Path() string {
	return path.Join(d.Group.Path(), d.TimeString())
}

func (d BackupDir) String() string {
	return d.Path()
}

// BackupInfo describes a snapshot found in a datastore
type BackupInfo struct {
	Dir   BackupDir
	Files []string
}
