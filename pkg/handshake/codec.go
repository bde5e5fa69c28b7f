package handshake

import "github.com/pbalcer/naia/pkg/bitio"

// EncodeChallengeRequest writes a ClientChallengeRequest body.
func EncodeChallengeRequest(req ClientChallengeRequest) []byte {
	w := bitio.NewWriter(16)
	defer w.Release()
	w.WriteUint64(req.ClientNonce)
	return append([]byte(nil), w.Bytes()...)
}

// DecodeChallengeRequest parses a ClientChallengeRequest body.
func DecodeChallengeRequest(body []byte) (ClientChallengeRequest, error) {
	r := bitio.NewReader(body)
	nonce, err := r.ReadUint64()
	return ClientChallengeRequest{ClientNonce: nonce}, err
}

// EncodeChallengeResponse writes a ServerChallengeResponse body.
func EncodeChallengeResponse(resp ServerChallengeResponse) []byte {
	w := bitio.NewWriter(64)
	defer w.Release()
	w.WriteUint64(resp.ClientNonce)
	w.WriteUint64(resp.ClientID)
	w.WriteUint64(uint64(resp.IssuedAt))
	w.WriteBytes(resp.Token[:])
	return append([]byte(nil), w.Bytes()...)
}

// DecodeChallengeResponse parses a ServerChallengeResponse body.
func DecodeChallengeResponse(body []byte) (ServerChallengeResponse, error) {
	r := bitio.NewReader(body)
	var resp ServerChallengeResponse
	var err error
	if resp.ClientNonce, err = r.ReadUint64(); err != nil {
		return resp, err
	}
	if resp.ClientID, err = r.ReadUint64(); err != nil {
		return resp, err
	}
	issuedAt, err := r.ReadUint64()
	if err != nil {
		return resp, err
	}
	resp.IssuedAt = int64(issuedAt)
	token, err := r.ReadBytes(32)
	if err != nil {
		return resp, err
	}
	copy(resp.Token[:], token)
	return resp, nil
}

// EncodeConnectRequest writes a ClientConnectRequest body.
func EncodeConnectRequest(req ClientConnectRequest) []byte {
	w := bitio.NewWriter(64 + len(req.AuthPayload))
	defer w.Release()
	w.WriteUint64(req.ClientNonce)
	w.WriteUint64(req.ClientID)
	w.WriteUint64(uint64(req.IssuedAt))
	w.WriteBytes(req.Token[:])
	w.WriteVarUint(uint64(len(req.AuthPayload)))
	w.WriteBytes(req.AuthPayload)
	return append([]byte(nil), w.Bytes()...)
}

// DecodeConnectRequest parses a ClientConnectRequest body.
func DecodeConnectRequest(body []byte) (ClientConnectRequest, error) {
	r := bitio.NewReader(body)
	var req ClientConnectRequest
	var err error
	if req.ClientNonce, err = r.ReadUint64(); err != nil {
		return req, err
	}
	if req.ClientID, err = r.ReadUint64(); err != nil {
		return req, err
	}
	issuedAt, err := r.ReadUint64()
	if err != nil {
		return req, err
	}
	req.IssuedAt = int64(issuedAt)
	token, err := r.ReadBytes(32)
	if err != nil {
		return req, err
	}
	copy(req.Token[:], token)
	n, err := r.ReadVarUint()
	if err != nil {
		return req, err
	}
	req.AuthPayload, err = r.ReadBytes(int(n))
	return req, err
}

// EncodeConnectResponse writes a ServerConnectResponse body.
func EncodeConnectResponse(resp ServerConnectResponse) []byte {
	w := bitio.NewWriter(8)
	defer w.Release()
	w.WriteUint64(resp.ClientID)
	return append([]byte(nil), w.Bytes()...)
}

// DecodeConnectResponse parses a ServerConnectResponse body.
func DecodeConnectResponse(body []byte) (ServerConnectResponse, error) {
	r := bitio.NewReader(body)
	id, err := r.ReadUint64()
	return ServerConnectResponse{ClientID: id}, err
}
