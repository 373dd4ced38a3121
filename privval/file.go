package privval

import (
	"fmt"
	"io/ioutil"
	"sync"

	"chainbft_node/crypto/bls"
	"chainbft_node/types"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto"
	"github.com/tendermint/tendermint/crypto/ed25519"
	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"
	"github.com/tendermint/tendermint/libs/tempfile"
)

// ErrContradictingGeneration 待签名的区块头与本验证者之前出的块矛盾
var ErrContradictingGeneration = errors.New("header contradicts a previously generated block")

//-------------------------------------------------------------------------------

// FilePVKey stores the immutable part of PrivValidator.
type FilePVKey struct {
	Address    types.Address    `json:"address"`
	PubKey     crypto.PubKey    `json:"pub_key"`
	PrivKey    crypto.PrivKey   `json:"priv_key"`
	BLSPubKey  tmbytes.HexBytes `json:"bls_pub_key"`
	BLSPrivKey tmbytes.HexBytes `json:"bls_priv_key"`

	filePath string
}

// Save persists the FilePVKey to its filePath.
func (pvKey FilePVKey) Save() {
	outFile := pvKey.filePath
	if outFile == "" {
		panic("cannot save PrivValidator key: filePath not set")
	}

	jsonBytes, err := tmjson.MarshalIndent(pvKey, "", "  ")
	if err != nil {
		panic(err)
	}
	err = tempfile.WriteFileAtomic(outFile, jsonBytes, 0600)
	if err != nil {
		panic(err)
	}
}

//-------------------------------------------------------------------------------

// FilePVLastGenerated 上一次签名的区块头，重启后用于计算maxHeightGenerated和防止矛盾出块
type FilePVLastGenerated struct {
	Height            int64 `json:"height"`
	MaxHeightPrevoted int64 `json:"max_height_prevoted"`

	filePath string
}

// CheckHeader 同一高度或更低的高度只有在maxHeightPrevoted前进时才能再次签名
func (lgs *FilePVLastGenerated) CheckHeader(header *types.BlockHeader) error {
	if lgs.Height == 0 {
		return nil
	}
	if header.Height <= lgs.Height && header.MaxHeightPrevoted <= lgs.MaxHeightPrevoted {
		return errors.Wrapf(ErrContradictingGeneration, "height %d (last %d), maxHeightPrevoted %d (last %d)",
			header.Height, lgs.Height, header.MaxHeightPrevoted, lgs.MaxHeightPrevoted)
	}
	if header.MaxHeightPrevoted < lgs.MaxHeightPrevoted {
		return errors.Wrapf(ErrContradictingGeneration, "maxHeightPrevoted %d below last %d",
			header.MaxHeightPrevoted, lgs.MaxHeightPrevoted)
	}
	return nil
}

// Save persists the FilePVLastGenerated to its filePath.
func (lgs *FilePVLastGenerated) Save() {
	outFile := lgs.filePath
	if outFile == "" {
		panic("cannot save FilePVLastGenerated: filePath not set")
	}
	jsonBytes, err := tmjson.MarshalIndent(lgs, "", "  ")
	if err != nil {
		panic(err)
	}
	err = tempfile.WriteFileAtomic(outFile, jsonBytes, 0600)
	if err != nil {
		panic(err)
	}
}

//-------------------------------------------------------------------------------

// FilePV implements PrivValidator using data persisted to disk.
// NOTE: the directories containing pv.Key.filePath and pv.LastGenerated.filePath must already exist.
type FilePV struct {
	Key           FilePVKey
	LastGenerated FilePVLastGenerated

	mtx    sync.Mutex
	blsKey *bls.PrivKey
}

var _ types.PrivValidator = (*FilePV)(nil)

// NewFilePV generates a new validator from the given keys and paths.
func NewFilePV(privKey crypto.PrivKey, blsKey *bls.PrivKey, keyFilePath, stateFilePath string) *FilePV {
	return &FilePV{
		Key: FilePVKey{
			Address:    types.GetAddress(privKey.PubKey()),
			PubKey:     privKey.PubKey(),
			PrivKey:    privKey,
			BLSPubKey:  tmbytes.HexBytes(blsKey.PubKey()),
			BLSPrivKey: blsKey.Bytes(),
			filePath:   keyFilePath,
		},
		LastGenerated: FilePVLastGenerated{filePath: stateFilePath},
		blsKey:        blsKey,
	}
}

// GenFilePV generates a new validator with randomly generated private keys
// and sets the filePaths, but does not call Save().
func GenFilePV(keyFilePath, stateFilePath string) *FilePV {
	return NewFilePV(ed25519.GenPrivKey(), bls.GenPrivKey(), keyFilePath, stateFilePath)
}

// GenFilePVFromSeed 相同的seed得到相同的密钥，用于生成测试网
func GenFilePVFromSeed(seed []byte, keyFilePath, stateFilePath string) *FilePV {
	return NewFilePV(ed25519.GenPrivKeyFromSecret(seed), bls.GenPrivKeyFromSeed(seed), keyFilePath, stateFilePath)
}

// LoadFilePV loads a FilePV from the filePaths. If either file path
// does not exist, the program will exit.
func LoadFilePV(keyFilePath, stateFilePath string) *FilePV {
	return loadFilePV(keyFilePath, stateFilePath, true)
}

// LoadFilePVEmptyState loads a FilePV from the given keyFilePath, with an empty LastGenerated.
// If the keyFilePath does not exist, the program will exit.
func LoadFilePVEmptyState(keyFilePath, stateFilePath string) *FilePV {
	return loadFilePV(keyFilePath, stateFilePath, false)
}

// If loadState is true, we load from the stateFilePath. Otherwise, we use an empty LastGenerated.
func loadFilePV(keyFilePath, stateFilePath string, loadState bool) *FilePV {
	keyJSONBytes, err := ioutil.ReadFile(keyFilePath)
	if err != nil {
		tmos.Exit(err.Error())
	}
	pvKey := FilePVKey{}
	err = tmjson.Unmarshal(keyJSONBytes, &pvKey)
	if err != nil {
		tmos.Exit(fmt.Sprintf("Error reading PrivValidator key from %v: %v\n", keyFilePath, err))
	}
	blsKey, err := bls.PrivKeyFromBytes(pvKey.BLSPrivKey)
	if err != nil {
		tmos.Exit(fmt.Sprintf("Error reading BLS key from %v: %v\n", keyFilePath, err))
	}

	// overwrite pubkeys and address for convenience
	pvKey.PubKey = pvKey.PrivKey.PubKey()
	pvKey.Address = types.GetAddress(pvKey.PubKey)
	pvKey.BLSPubKey = tmbytes.HexBytes(blsKey.PubKey())
	pvKey.filePath = keyFilePath

	pvState := FilePVLastGenerated{}
	if loadState {
		stateJSONBytes, err := ioutil.ReadFile(stateFilePath)
		if err != nil {
			tmos.Exit(err.Error())
		}
		err = tmjson.Unmarshal(stateJSONBytes, &pvState)
		if err != nil {
			tmos.Exit(fmt.Sprintf("Error reading PrivValidator state from %v: %v\n", stateFilePath, err))
		}
	}
	pvState.filePath = stateFilePath

	return &FilePV{
		Key:           pvKey,
		LastGenerated: pvState,
		blsKey:        blsKey,
	}
}

// LoadOrGenFilePV loads a FilePV from the given filePaths
// or else generates a new one and saves it to the filePaths.
func LoadOrGenFilePV(keyFilePath, stateFilePath string) *FilePV {
	var pv *FilePV
	if tmos.FileExists(keyFilePath) {
		pv = LoadFilePV(keyFilePath, stateFilePath)
	} else {
		pv = GenFilePV(keyFilePath, stateFilePath)
		pv.Save()
	}
	return pv
}

// GetAddress returns the address of the validator.
// Implements PrivValidator.
func (pv *FilePV) GetAddress() types.Address {
	return pv.Key.Address
}

// GetPubKey returns the generator public key of the validator.
// Implements PrivValidator.
func (pv *FilePV) GetPubKey() crypto.PubKey {
	return pv.Key.PubKey
}

func (pv *FilePV) GetBLSPubKey() bls.PubKey {
	return bls.PubKey(pv.Key.BLSPubKey)
}

func (pv *FilePV) LastGeneratedHeight() int64 {
	pv.mtx.Lock()
	defer pv.mtx.Unlock()
	return pv.LastGenerated.Height
}

// SignHeader 签名前检查是否与之前出的块矛盾，签名后先持久化再返回
func (pv *FilePV) SignHeader(chainID string, header *types.BlockHeader) error {
	pv.mtx.Lock()
	defer pv.mtx.Unlock()
	if err := pv.LastGenerated.CheckHeader(header); err != nil {
		return err
	}
	if err := header.Sign(chainID, pv.Key.PrivKey); err != nil {
		return fmt.Errorf("error signing header: %v", err)
	}
	pv.LastGenerated.Height = header.Height
	pv.LastGenerated.MaxHeightPrevoted = header.MaxHeightPrevoted
	pv.LastGenerated.Save()
	return nil
}

func (pv *FilePV) SignCertificate(chainID string, cert *types.Certificate) ([]byte, error) {
	return pv.blsKey.Sign(types.CertificateSignBytes(chainID, cert))
}

// Save persists the FilePV to disk.
func (pv *FilePV) Save() {
	pv.Key.Save()
	pv.LastGenerated.Save()
}

// Reset resets the generation state.
// NOTE: Unsafe!
func (pv *FilePV) Reset() {
	pv.LastGenerated.Height = 0
	pv.LastGenerated.MaxHeightPrevoted = 0
	pv.Save()
}

// String returns a string representation of the FilePV.
func (pv *FilePV) String() string {
	return fmt.Sprintf(
		"PrivValidator{%v LH:%v}",
		pv.GetAddress(),
		pv.LastGeneratedHeight(),
	)
}
