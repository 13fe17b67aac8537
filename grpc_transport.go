package raft

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/skadeyl/raftwal/internal/protocol"
)

const (
	raftServiceName = "raftwal.Raft"

	methodVote   = "/" + raftServiceName + "/Vote"
	methodAppend = "/" + raftServiceName + "/Append"
	methodSave   = "/" + raftServiceName + "/Save"
)

// GRPCTransport implements Transport over gRPC with a custom wire codec.
// One client connection is kept per remote endpoint; endpoints that fail
// are not redialed until the reopen interval has elapsed.
type GRPCTransport struct {
	address        string
	reopenInterval time.Duration

	server   *grpc.Server
	listener net.Listener

	voteHandler   func(*RequestVoteRequest, *RequestVoteResponse) error
	appendHandler func(*AppendEntriesRequest, *AppendEntriesResponse) error
	saveHandler   func(*SaveRequest, *SaveResponse) error

	mu    sync.Mutex
	conns map[string]*peerConn
}

type peerConn struct {
	cc        *grpc.ClientConn
	downUntil time.Time
}

// NewTransport creates a gRPC transport serving at the given address.
func NewTransport(address string, reopenInterval time.Duration) (*GRPCTransport, error) {
	if reopenInterval <= 0 {
		reopenInterval = defaultReopenConnectionInterval
	}
	return &GRPCTransport{
		address:        address,
		reopenInterval: reopenInterval,
		conns:          make(map[string]*peerConn),
	}, nil
}

var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: raftServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Vote", Handler: voteServiceHandler},
		{MethodName: "Append", Handler: appendServiceHandler},
		{MethodName: "Save", Handler: saveServiceHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftwal",
}

func (t *GRPCTransport) Run() error {
	listener, err := net.Listen("tcp", t.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.address, err)
	}
	t.listener = listener
	t.server = grpc.NewServer(grpc.ForceServerCodec(protocol.Codec{}))
	t.server.RegisterService(&raftServiceDesc, t)
	go t.server.Serve(listener)
	return nil
}

func (t *GRPCTransport) Shutdown() {
	if t.server != nil {
		t.server.Stop()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for address, conn := range t.conns {
		if conn.cc != nil {
			conn.cc.Close()
		}
		delete(t.conns, address)
	}
}

func (t *GRPCTransport) Connect(address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.connLocked(address)
	return err
}

func (t *GRPCTransport) Close(address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.conns[address]
	if !ok {
		return nil
	}
	delete(t.conns, address)
	if conn.cc != nil {
		return conn.cc.Close()
	}
	return nil
}

func (t *GRPCTransport) Address() string {
	return t.address
}

func (t *GRPCTransport) RegisterRequestVoteHandler(handler func(*RequestVoteRequest, *RequestVoteResponse) error) {
	t.voteHandler = handler
}

func (t *GRPCTransport) RegisterAppendEntriesHandler(handler func(*AppendEntriesRequest, *AppendEntriesResponse) error) {
	t.appendHandler = handler
}

func (t *GRPCTransport) RegisterSaveHandler(handler func(*SaveRequest, *SaveResponse) error) {
	t.saveHandler = handler
}

func (t *GRPCTransport) SendRequestVote(
	address string,
	request RequestVoteRequest,
	timeout time.Duration,
) (RequestVoteResponse, error) {
	req := &protocol.RequestVote{
		Term:        request.Term,
		CandidateID: request.CandidateID,
		LastLogPos:  request.LastLogPos,
		LastLogTerm: request.LastLogTerm,
	}
	resp := new(protocol.RequestVoteResponse)
	if err := t.invoke(address, methodVote, req, resp, timeout); err != nil {
		return RequestVoteResponse{}, err
	}
	return RequestVoteResponse{Term: resp.Term, VoteGranted: resp.VoteGranted}, nil
}

func (t *GRPCTransport) SendAppendEntries(
	address string,
	request AppendEntriesRequest,
	timeout time.Duration,
) (AppendEntriesResponse, error) {
	req := &protocol.AppendEntries{
		Term:         request.Term,
		LeaderID:     request.LeaderID,
		PrevPos:      request.PrevPos,
		PrevTerm:     request.PrevTerm,
		Entries:      make([]protocol.Entry, len(request.Entries)),
		LeaderCommit: request.LeaderCommit,
	}
	for i, entry := range request.Entries {
		req.Entries[i] = protocol.Entry{
			Term:      entry.Term,
			Payload:   entry.Data,
			ClientID:  entry.ClientID,
			RequestID: entry.RequestID,
		}
	}
	resp := new(protocol.AppendEntriesResponse)
	if err := t.invoke(address, methodAppend, req, resp, timeout); err != nil {
		return AppendEntriesResponse{}, err
	}
	return AppendEntriesResponse{
		Term:         resp.Term,
		Success:      resp.Success,
		MatchPos:     resp.MatchPos,
		ConflictHint: resp.ConflictHint,
	}, nil
}

func (t *GRPCTransport) SendSave(
	address string,
	request SaveRequest,
	timeout time.Duration,
) (SaveResponse, error) {
	req := &protocol.Data{
		Payload:   request.Payload,
		ClientID:  request.ClientID,
		RequestID: request.RequestID,
	}
	resp := new(protocol.DataResponse)
	if err := t.invoke(address, methodSave, req, resp, timeout); err != nil {
		return SaveResponse{}, err
	}
	return SaveResponse{
		Code:         SaveCode(resp.ErrorCode),
		CommittedPos: resp.CommittedPos,
		LeaderHint:   resp.LeaderHint,
		Reason:       resp.ErrorReason,
	}, nil
}

func (t *GRPCTransport) invoke(
	address, method string,
	req, resp protocol.Message,
	timeout time.Duration,
) error {
	t.mu.Lock()
	conn, err := t.connLocked(address)
	t.mu.Unlock()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := conn.Invoke(ctx, method, req, resp); err != nil {
		t.markDown(address)
		return err
	}
	return nil
}

func (t *GRPCTransport) connLocked(address string) (*grpc.ClientConn, error) {
	if conn, ok := t.conns[address]; ok {
		if time.Now().Before(conn.downUntil) {
			return nil, fmt.Errorf("connection to %s is backing off", address)
		}
		if conn.cc != nil {
			return conn.cc, nil
		}
	}
	cc, err := grpc.Dial(
		address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(protocol.Codec{})),
	)
	if err != nil {
		t.conns[address] = &peerConn{downUntil: time.Now().Add(t.reopenInterval)}
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	t.conns[address] = &peerConn{cc: cc}
	return cc, nil
}

func (t *GRPCTransport) markDown(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.conns[address]
	if !ok {
		return
	}
	conn.downUntil = time.Now().Add(t.reopenInterval)
}

func voteServiceHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	_ grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(protocol.RequestVote)
	if err := dec(in); err != nil {
		return nil, err
	}
	t := srv.(*GRPCTransport)
	if t.voteHandler == nil {
		return nil, fmt.Errorf("no vote handler registered")
	}
	request := &RequestVoteRequest{
		Term:        in.Term,
		CandidateID: in.CandidateID,
		LastLogPos:  in.LastLogPos,
		LastLogTerm: in.LastLogTerm,
	}
	var response RequestVoteResponse
	if err := t.voteHandler(request, &response); err != nil {
		return nil, err
	}
	return &protocol.RequestVoteResponse{
		Term:        response.Term,
		VoteGranted: response.VoteGranted,
	}, nil
}

func appendServiceHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	_ grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(protocol.AppendEntries)
	if err := dec(in); err != nil {
		return nil, err
	}
	t := srv.(*GRPCTransport)
	if t.appendHandler == nil {
		return nil, fmt.Errorf("no append handler registered")
	}
	request := &AppendEntriesRequest{
		Term:         in.Term,
		LeaderID:     in.LeaderID,
		PrevPos:      in.PrevPos,
		PrevTerm:     in.PrevTerm,
		Entries:      make([]*LogEntry, len(in.Entries)),
		LeaderCommit: in.LeaderCommit,
	}
	for i := range in.Entries {
		request.Entries[i] = &LogEntry{
			Term:      in.Entries[i].Term,
			Data:      in.Entries[i].Payload,
			ClientID:  in.Entries[i].ClientID,
			RequestID: in.Entries[i].RequestID,
		}
	}
	var response AppendEntriesResponse
	if err := t.appendHandler(request, &response); err != nil {
		return nil, err
	}
	return &protocol.AppendEntriesResponse{
		Term:         response.Term,
		Success:      response.Success,
		MatchPos:     response.MatchPos,
		ConflictHint: response.ConflictHint,
	}, nil
}

func saveServiceHandler(
	srv interface{},
	ctx context.Context,
	dec func(interface{}) error,
	_ grpc.UnaryServerInterceptor,
) (interface{}, error) {
	in := new(protocol.Data)
	if err := dec(in); err != nil {
		return nil, err
	}
	t := srv.(*GRPCTransport)
	if t.saveHandler == nil {
		return nil, fmt.Errorf("no save handler registered")
	}
	request := &SaveRequest{
		Payload:   in.Payload,
		ClientID:  in.ClientID,
		RequestID: in.RequestID,
	}
	var response SaveResponse
	if err := t.saveHandler(request, &response); err != nil {
		return nil, err
	}
	return &protocol.DataResponse{
		ErrorCode:    protocol.ErrorCode(response.Code),
		CommittedPos: response.CommittedPos,
		LeaderHint:   response.LeaderHint,
		ErrorReason:  response.Reason,
	}, nil
}
