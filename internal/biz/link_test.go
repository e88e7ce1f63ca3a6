package biz

import (
	"context"
	"strings"
	"testing"
	"time"

	"affiliate/internal/conf"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// MockLinkRepository 模拟 LinkRepository
type MockLinkRepository struct {
	mock.Mock
}

func (m *MockLinkRepository) Create(ctx context.Context, link *AffiliateLink) error {
	args := m.Called(ctx, link)
	return args.Error(0)
}

func (m *MockLinkRepository) GetByID(ctx context.Context, id int64) (*AffiliateLink, error) {
	args := m.Called(ctx, id)
	link, _ := args.Get(0).(*AffiliateLink)
	return link, args.Error(1)
}

func (m *MockLinkRepository) GetByCode(ctx context.Context, code string) (*AffiliateLink, error) {
	args := m.Called(ctx, code)
	link, _ := args.Get(0).(*AffiliateLink)
	return link, args.Error(1)
}

func (m *MockLinkRepository) ExistsByCode(ctx context.Context, code string) (bool, error) {
	args := m.Called(ctx, code)
	return args.Bool(0), args.Error(1)
}

func (m *MockLinkRepository) FindActive(ctx context.Context, referrerUserID, sellerID int64) (*AffiliateLink, error) {
	args := m.Called(ctx, referrerUserID, sellerID)
	link, _ := args.Get(0).(*AffiliateLink)
	return link, args.Error(1)
}

func (m *MockLinkRepository) Disable(ctx context.Context, id int64, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockLinkRepository) ListByReferrer(ctx context.Context, referrerUserID int64, limit int) ([]*AffiliateLink, error) {
	args := m.Called(ctx, referrerUserID, limit)
	links, _ := args.Get(0).([]*AffiliateLink)
	return links, args.Error(1)
}

func (m *MockLinkRepository) CountByReferrer(ctx context.Context, referrerUserID int64) (int64, error) {
	args := m.Called(ctx, referrerUserID)
	return args.Get(0).(int64), args.Error(1)
}

func TestLinkUsecase_CreateLink(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		referrer  int64
		seller    int64
		setup     func(env *testEnv)
		wantErr   error
		checkLink func(t *testing.T, link *AffiliateLink)
	}{
		{
			name:     "成功创建推广链接",
			referrer: 1,
			seller:   900,
			checkLink: func(t *testing.T, link *AffiliateLink) {
				assert.Len(t, link.Code, 8)
				for _, ch := range link.Code {
					assert.True(t, strings.ContainsRune(codeAlphabet, ch))
				}
				assert.True(t, link.Active())
			},
		},
		{
			name:     "推广人ID为空",
			referrer: 0,
			seller:   900,
			wantErr:  ErrInvalidArgument,
		},
		{
			name:     "已存在有效链接",
			referrer: 1,
			seller:   900,
			setup: func(env *testEnv) {
				_, err := env.links.CreateLink(ctx, 1, 900)
				require.NoError(t, err)
			},
			wantErr: ErrDuplicateLink,
		},
		{
			name:     "停用后可重新创建",
			referrer: 1,
			seller:   900,
			setup: func(env *testEnv) {
				link, err := env.links.CreateLink(ctx, 1, 900)
				require.NoError(t, err)
				_, err = env.links.DisableLink(ctx, 1, link.ID)
				require.NoError(t, err)
			},
		},
		{
			name:     "不同商家互不影响",
			referrer: 1,
			seller:   901,
			setup: func(env *testEnv) {
				_, err := env.links.CreateLink(ctx, 1, 900)
				require.NoError(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(nil)
			if tt.setup != nil {
				tt.setup(env)
			}

			link, err := env.links.CreateLink(ctx, tt.referrer, tt.seller)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Nil(t, link)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.referrer, link.ReferrerUserID)
			assert.Equal(t, tt.seller, link.SellerID)
			if tt.checkLink != nil {
				tt.checkLink(t, link)
			}
		})
	}
}

func TestLinkUsecase_CreateLink_DuplicateCarriesExistingCode(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(nil)

	first, err := env.links.CreateLink(ctx, 1, 900)
	require.NoError(t, err)

	_, err = env.links.CreateLink(ctx, 1, 900)
	require.Error(t, err)
	assert.Equal(t, first.Code, errors.FromError(err).Metadata["code"])
}

func TestLinkUsecase_CreateLink_GrowsCodeAfterCollisions(t *testing.T) {
	ctx := context.Background()
	repo := new(MockLinkRepository)
	uc := NewLinkUsecase(repo, &seqIDs{}, &conf.Affiliate{CodeLength: 6, CodeMaxAttempts: 3}, getTestLogger())

	repo.On("FindActive", mock.Anything, int64(1), int64(2)).Return(nil, gorm.ErrRecordNotFound)
	// 长度为 6 的推广码全部碰撞
	repo.On("ExistsByCode", mock.Anything, mock.MatchedBy(func(code string) bool { return len(code) == 6 })).Return(true, nil)
	repo.On("ExistsByCode", mock.Anything, mock.MatchedBy(func(code string) bool { return len(code) == 7 })).Return(false, nil)
	repo.On("Create", mock.Anything, mock.Anything).Return(nil)

	link, err := uc.CreateLink(ctx, 1, 2)
	require.NoError(t, err)
	assert.Len(t, link.Code, 7)
	repo.AssertNumberOfCalls(t, "ExistsByCode", 4)
}

func TestLinkUsecase_CreateLink_ConcurrentInsertReportsDuplicate(t *testing.T) {
	ctx := context.Background()
	repo := new(MockLinkRepository)
	uc := NewLinkUsecase(repo, &seqIDs{}, nil, getTestLogger())

	winner := &AffiliateLink{ID: 77, ReferrerUserID: 1, SellerID: 2, Code: "WINNER42"}
	repo.On("FindActive", mock.Anything, int64(1), int64(2)).Return(nil, gorm.ErrRecordNotFound).Once()
	repo.On("ExistsByCode", mock.Anything, mock.Anything).Return(false, nil)
	repo.On("Create", mock.Anything, mock.Anything).Return(gorm.ErrDuplicatedKey)
	repo.On("FindActive", mock.Anything, int64(1), int64(2)).Return(winner, nil)

	_, err := uc.CreateLink(ctx, 1, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateLink))
	assert.Equal(t, "WINNER42", errors.FromError(err).Metadata["code"])
}

func TestLinkUsecase_ResolveAndDisable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(nil)

	link, err := env.links.CreateLink(ctx, 1, 900)
	require.NoError(t, err)

	resolved, err := env.links.ResolveLink(ctx, link.Code)
	require.NoError(t, err)
	assert.Equal(t, link.ID, resolved.ID)

	_, err = env.links.ResolveLink(ctx, "NOPE0000")
	assert.True(t, errors.Is(err, ErrLinkNotFound))

	_, err = env.links.DisableLink(ctx, 2, link.ID)
	assert.True(t, errors.Is(err, ErrForbidden))

	disabled, err := env.links.DisableLink(ctx, 1, link.ID)
	require.NoError(t, err)
	assert.False(t, disabled.Active())

	// 重复停用视为成功
	again, err := env.links.DisableLink(ctx, 1, link.ID)
	require.NoError(t, err)
	assert.False(t, again.Active())

	// 停用后仍可解析，历史归因可追溯
	resolved, err = env.links.ResolveLink(ctx, link.Code)
	require.NoError(t, err)
	assert.False(t, resolved.Active())

	_, err = env.links.DisableLink(ctx, 1, 12345)
	assert.True(t, errors.Is(err, ErrLinkNotFound))
}

func TestLinkUsecase_ResolveCachedRechecksDisabled(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.links.now = func() time.Time { return now }

	link, err := env.links.CreateLink(ctx, 1, 900)
	require.NoError(t, err)
	cached, err := env.links.resolveCached(ctx, link.Code)
	require.NoError(t, err)
	require.True(t, cached.Active())

	// 其它实例直接停用，本实例缓存未失效
	require.NoError(t, memLinkRepo{env.store}.Disable(ctx, link.ID, now))

	now = now.Add(time.Second)
	cached, err = env.links.resolveCached(ctx, link.Code)
	require.NoError(t, err)
	assert.True(t, cached.Active())

	now = now.Add(defaultLinkRecheck)
	cached, err = env.links.resolveCached(ctx, link.Code)
	require.NoError(t, err)
	assert.False(t, cached.Active())

	// 停用后不再计入点击
	click, err := env.attribution.RecordClick(ctx, link.Code, "fp")
	require.NoError(t, err)
	assert.Nil(t, click)
}

func TestGenerateCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		code, err := generateCode(10)
		require.NoError(t, err)
		require.Len(t, code, 10)
		assert.Empty(t, strings.Trim(code, codeAlphabet))
		seen[code] = true
	}
	assert.Greater(t, len(seen), 190)
}
