// Package gitrepo keeps committed artifacts in one git repository per
// template. Every artifact is a commit on main plus a tag named after the
// artifact id.
package gitrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"draftsync/internal/action"
	"draftsync/internal/commit"
	"draftsync/internal/document"
	"draftsync/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	documentFile = "document.json"
	manifestFile = "artifact.json"
	mainBranch   = "main"
	untemplated  = "_untemplated"
)

// manifest is the artifact metadata stored next to the document.
type manifest struct {
	ID             string       `json:"id"`
	SessionID      string       `json:"sessionId"`
	TemplateID     string       `json:"templateId"`
	Owner          string       `json:"owner"`
	Message        string       `json:"message"`
	Actor          action.Actor `json:"actor"`
	OperationCount int64        `json:"operationCount"`
	Version        int64        `json:"version"`
	Checksum       string       `json:"checksum"`
	CreatedAt      time.Time    `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if _, err := os.Stat(s.baseDir); err != nil {
		return fmt.Errorf("stat repos dir: %w", err)
	}
	return nil
}

func (s *Service) SaveArtifact(ctx context.Context, artifact commit.Artifact) error {
	dir := repoName(artifact.TemplateID)
	lock := s.templateLock(dir)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	repo, err := s.openOrInit(dir)
	if err != nil {
		return err
	}
	if _, err := repo.Tag(artifact.ID); err == nil {
		return nil
	} else if !errors.Is(err, git.ErrTagNotFound) {
		return fmt.Errorf("lookup tag %s: %w", artifact.ID, err)
	}

	hash, err := s.commit(repo, artifact)
	if err != nil {
		return err
	}

	_, err = repo.CreateTag(artifact.ID, hash, &git.CreateTagOptions{
		Tagger:  signature(artifact.Actor, artifact.CreatedAt),
		Message: fmt.Sprintf("session=%s version=%d", artifact.SessionID, artifact.Version),
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

func (s *Service) FindBySessionVersion(ctx context.Context, sessionID string, version int64) (commit.Artifact, bool, error) {
	artifact, err := s.GetArtifact(ctx, commit.ArtifactID(sessionID, version))
	if errors.Is(err, commit.ErrArtifactNotFound) {
		return commit.Artifact{}, false, nil
	}
	if err != nil {
		return commit.Artifact{}, false, err
	}
	return artifact, true, nil
}

// GetArtifact scans template repositories for the artifact's tag.
func (s *Service) GetArtifact(ctx context.Context, id string) (commit.Artifact, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return commit.Artifact{}, fmt.Errorf("%w: %s", commit.ErrArtifactNotFound, id)
		}
		return commit.Artifact{}, fmt.Errorf("read repos dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return commit.Artifact{}, err
		}
		artifact, found, err := s.lookupTag(entry.Name(), id)
		if err != nil {
			return commit.Artifact{}, err
		}
		if found {
			return artifact, nil
		}
	}
	return commit.Artifact{}, fmt.Errorf("%w: %s", commit.ErrArtifactNotFound, id)
}

func (s *Service) lookupTag(dir, id string) (commit.Artifact, bool, error) {
	lock := s.templateLock(dir)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(dir))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return commit.Artifact{}, false, nil
	}
	if err != nil {
		return commit.Artifact{}, false, fmt.Errorf("open repo %s: %w", dir, err)
	}
	ref, err := repo.Tag(id)
	if errors.Is(err, git.ErrTagNotFound) {
		return commit.Artifact{}, false, nil
	}
	if err != nil {
		return commit.Artifact{}, false, fmt.Errorf("lookup tag %s: %w", id, err)
	}

	commitObj, err := tagCommit(repo, ref)
	if err != nil {
		return commit.Artifact{}, false, err
	}
	artifact, err := readArtifact(commitObj)
	if err != nil {
		return commit.Artifact{}, false, err
	}
	return artifact, true, nil
}

func (s *Service) LatestForTemplate(ctx context.Context, templateID string) (commit.Artifact, error) {
	dir := repoName(templateID)
	lock := s.templateLock(dir)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(dir))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return commit.Artifact{}, fmt.Errorf("%w: template %s", commit.ErrArtifactNotFound, templateID)
	}
	if err != nil {
		return commit.Artifact{}, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return commit.Artifact{}, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return commit.Artifact{}, fmt.Errorf("load commit object: %w", err)
	}
	return readArtifact(commitObj)
}

// ListForTemplate walks main newest first.
func (s *Service) ListForTemplate(ctx context.Context, templateID string, limit int) ([]store.ArtifactSummary, error) {
	dir := repoName(templateID)
	lock := s.templateLock(dir)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(dir))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []store.ArtifactSummary{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.ArtifactSummary, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		m, err := readManifest(commitObj)
		if err != nil {
			return err
		}
		items = append(items, summaryOf(m))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) repoPath(dir string) string {
	return filepath.Join(s.baseDir, dir)
}

func (s *Service) templateLock(dir string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[dir]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[dir] = lock
	return lock
}

func (s *Service) openOrInit(dir string) (*git.Repository, error) {
	path := s.repoPath(dir)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	// first commit lands on main
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) commit(repo *git.Repository, artifact commit.Artifact) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	if _, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true); err == nil {
		if err := worktree.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(mainBranch), Force: true}); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("checkout branch %s: %w", mainBranch, err)
		}
	}

	doc, err := json.MarshalIndent(artifact.Document, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal document: %w", err)
	}
	meta, err := json.MarshalIndent(manifestOf(artifact), "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal manifest: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	for name, payload := range map[string][]byte{documentFile: doc, manifestFile: meta} {
		if err := os.WriteFile(filepath.Join(repoRoot, name), append(payload, '\n'), 0o644); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("write %s: %w", name, err)
		}
		if _, err := worktree.Add(name); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	message := fmt.Sprintf(
		"%s\n\ncommit: session=%s version=%d actor=%s artifact=%s",
		firstNonBlank(artifact.Message, "Commit draft session"),
		artifact.SessionID,
		artifact.Version,
		artifact.Actor,
		artifact.ID,
	)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(artifact.Actor, artifact.CreatedAt),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit artifact: %w", err)
	}
	return hash, nil
}

func tagCommit(repo *git.Repository, ref *plumbing.Reference) (*object.Commit, error) {
	if tagObj, err := repo.TagObject(ref.Hash()); err == nil {
		commitObj, err := tagObj.Commit()
		if err != nil {
			return nil, fmt.Errorf("resolve tag %s: %w", ref.Name().Short(), err)
		}
		return commitObj, nil
	} else if !errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, fmt.Errorf("read tag object: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", ref.Hash(), err)
	}
	return commitObj, nil
}

func readArtifact(commitObj *object.Commit) (commit.Artifact, error) {
	m, err := readManifest(commitObj)
	if err != nil {
		return commit.Artifact{}, err
	}
	raw, err := readFile(commitObj, documentFile)
	if err != nil {
		return commit.Artifact{}, err
	}
	doc, err := document.Parse(raw)
	if err != nil {
		return commit.Artifact{}, err
	}
	return commit.Artifact{
		ID:             m.ID,
		SessionID:      m.SessionID,
		TemplateID:     m.TemplateID,
		Owner:          m.Owner,
		Message:        m.Message,
		Actor:          m.Actor,
		OperationCount: m.OperationCount,
		Version:        m.Version,
		Checksum:       m.Checksum,
		Document:       doc,
		CreatedAt:      m.CreatedAt.UTC(),
	}, nil
}

func readManifest(commitObj *object.Commit) (manifest, error) {
	raw, err := readFile(commitObj, manifestFile)
	if err != nil {
		return manifest{}, err
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

func readFile(commitObj *object.Commit, name string) ([]byte, error) {
	file, err := commitObj.File(name)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", name, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open %s reader: %w", name, err)
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s bytes: %w", name, err)
	}
	return payload, nil
}

func manifestOf(a commit.Artifact) manifest {
	return manifest{
		ID:             a.ID,
		SessionID:      a.SessionID,
		TemplateID:     a.TemplateID,
		Owner:          a.Owner,
		Message:        a.Message,
		Actor:          a.Actor,
		OperationCount: a.OperationCount,
		Version:        a.Version,
		Checksum:       a.Checksum,
		CreatedAt:      a.CreatedAt.UTC(),
	}
}

func summaryOf(m manifest) store.ArtifactSummary {
	return store.ArtifactSummary{
		ID:             m.ID,
		SessionID:      m.SessionID,
		TemplateID:     m.TemplateID,
		Owner:          m.Owner,
		Message:        m.Message,
		ActorKind:      m.Actor.Kind,
		ActorID:        m.Actor.ID,
		OperationCount: m.OperationCount,
		Version:        m.Version,
		Checksum:       m.Checksum,
		CreatedAt:      m.CreatedAt.UTC(),
	}
}

func signature(actor action.Actor, when time.Time) *object.Signature {
	name := actor.String()
	if name == "" {
		name = "draftsync"
	}
	if when.IsZero() {
		when = time.Now()
	}
	return &object.Signature{
		Name:  name,
		Email: fmt.Sprintf("%s@local.draftsync.dev", sanitizeEmail(name)),
		When:  when,
	}
}

// repoName maps a template id onto a safe directory name.
func repoName(templateID string) string {
	if templateID == "" {
		return untemplated
	}
	out := make([]rune, 0, len(templateID))
	for _, r := range templateID {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			out = append(out, r)
			continue
		}
		out = append(out, '_')
	}
	for i := 0; i < len(out) && out[i] == '.'; i++ {
		out[i] = '_'
	}
	return string(out)
}

func sanitizeEmail(input string) string {
	bytes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			bytes = append(bytes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' || r == ':' {
			bytes = append(bytes, '.')
		}
	}
	if len(bytes) == 0 {
		return "user"
	}
	return string(bytes)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
