package membership

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// zkConn is the subset of *zk.Conn used by ZKView.
type zkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	State() zk.State
	Close()
}

// ZKView is a View whose roster is static and whose liveness comes from
// ephemeral nodes under <root>/replicas.
type ZKView struct {
	*Static
	conn   zkConn
	root   string
	logger *zap.Logger
	live   liveSet
}

// DialZK connects to the ZooKeeper ensemble and wraps the static roster.
func DialZK(servers []string, root string, roster *Static, logger *zap.Logger) (*ZKView, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, errors.Wrap(err, "zk connect")
	}
	return newZKView(conn, root, roster, logger), nil
}

func newZKView(conn zkConn, root string, roster *Static, logger *zap.Logger) *ZKView {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &ZKView{
		Static: roster,
		conn:   conn,
		root:   root,
		logger: logger.With(zap.String("replica", roster.Self())),
	}
	v.live.replace([]string{roster.Self()})
	return v
}

func (v *ZKView) replicasPath() string {
	return path.Join(v.root, "replicas")
}

// Alive reports whether replica currently holds an ephemeral node.
func (v *ZKView) Alive(replica string) bool {
	return v.live.contains(replica)
}

// Register creates the local replica's ephemeral node.
func (v *ZKView) Register(timeout time.Duration) error {
	if err := v.waitConnected(timeout); err != nil {
		return err
	}
	if err := v.ensurePath(v.replicasPath()); err != nil {
		return errors.Wrap(err, "ensure replicas path")
	}
	node := path.Join(v.replicasPath(), v.Self())
	_, err := v.conn.Create(node, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return errors.Wrap(err, "create ephemeral node")
	}
	v.logger.Info("registered in zookeeper", zap.String("path", node))
	return nil
}

// Watch refreshes the live set on every child change until ctx is done.
func (v *ZKView) Watch(ctx context.Context) {
	go func() {
		for {
			children, _, ch, err := v.conn.ChildrenW(v.replicasPath())
			if err != nil {
				v.logger.Warn("zk children watch failed", zap.Error(err))
				select {
				case <-time.After(2 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}
			v.live.replace(children)

			select {
			case ev := <-ch:
				v.logger.Debug("zk event", zap.String("type", ev.Type.String()), zap.String("path", ev.Path))
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close closes the ZooKeeper session, which removes the ephemeral node.
func (v *ZKView) Close() error {
	v.conn.Close()
	return nil
}

func (v *ZKView) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := v.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = v.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

func (v *ZKView) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := v.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
